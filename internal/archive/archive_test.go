package archive

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Bucket: "b"})
	assert.Error(t, err)
	_, err = New(Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	c, err := New(Config{Endpoint: "https://archive.example.org", Bucket: "sdss"})
	require.NoError(t, err)
	assert.Equal(t, "archive.example.org", c.client.EndpointURL().Host)
	assert.Equal(t, "https", c.client.EndpointURL().Scheme)
}

func TestClassify(t *testing.T) {
	err := classify(minio.ErrorResponse{Code: "NoSuchKey", Message: "gone"})
	assert.True(t, errors.Is(err, ErrNotFound))

	other := errors.New("connection refused")
	assert.Equal(t, other, classify(other))
}

// s3Stub serves one object and answers NoSuchKey for everything else.
func s3Stub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/sdss/fits/1.npy"):
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
			w.Header().Set("ETag", `"abc"`)
			w.Write([]byte("payload"))
		case r.Method == http.MethodHead && strings.HasSuffix(r.URL.Path, "/sdss/"):
			w.WriteHeader(http.StatusOK)
		default:
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch(t *testing.T) {
	srv := s3Stub(t)
	c, err := New(Config{Endpoint: srv.URL, Bucket: "sdss", AccessKey: "k", SecretKey: "s", Region: "us-east-1"})
	require.NoError(t, err)

	data, err := c.Fetch(context.Background(), "fits/1.npy")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = c.Fetch(context.Background(), "fits/2.npy")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Fetch(context.Background(), "")
	assert.Error(t, err)
}
