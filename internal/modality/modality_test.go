package modality

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SyedDaiam9101/astro-ensemble/internal/catalog"
)

// fakeRemote serves a synthetic JPEG and spectrum and counts calls. A
// non-nil release holds image requests until it is closed or ctx ends.
type fakeRemote struct {
	images   atomic.Int32
	spectra  atomic.Int32
	spectrum []byte
	fail     error
	release  chan struct{}
}

func (f *fakeRemote) ImageCutout(ctx context.Context, ra, dec, scale float64, width, height int) ([]byte, error) {
	f.images.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		return nil, f.fail
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *fakeRemote) Spectrum(ctx context.Context, plate, mjd, fiberID int64) ([]byte, error) {
	f.spectra.Add(1)
	if f.fail != nil {
		return nil, f.fail
	}
	return f.spectrum, nil
}

type fakeArchive struct {
	objects map[string][]byte
	calls   atomic.Int32
}

func (a *fakeArchive) Fetch(ctx context.Context, key string) ([]byte, error) {
	a.calls.Add(1)
	data, ok := a.objects[key]
	if !ok {
		return nil, fmt.Errorf("archive: %s not found", key)
	}
	return data, nil
}

// fullSpectrumCSV has exactly 3522 samples in [4000, 9000] plus two outside.
func fullSpectrumCSV() []byte {
	var b strings.Builder
	b.WriteString("Wavelength,Flux,BestFit,SkyFlux\n")
	fmt.Fprintf(&b, "3900,1,-1,0\n")
	n := Spectrum.Size()
	for i := 0; i < n; i++ {
		w := 4000 + float64(i)*5000/float64(n-1)
		fmt.Fprintf(&b, "%.6f,1,%d,0\n", w, i)
	}
	fmt.Fprintf(&b, "9100,1,-1,0\n")
	return []byte(b.String())
}

// selectedSpectrumCSV has exactly 1423 samples inside the selected windows.
func selectedSpectrumCSV() []byte {
	var b strings.Builder
	b.WriteString("Wavelength,Flux,BestFit,SkyFlux\n")
	total := SpectrumSelectedBands.Size()
	per := total / len(selectedWindows)
	extra := total % len(selectedWindows)
	i := 0
	for wi, win := range selectedWindows {
		k := per
		if wi < extra {
			k++
		}
		for j := 0; j < k; j++ {
			w := win[0] + float64(j)*(win[1]-win[0])/float64(k-1)
			fmt.Fprintf(&b, "%.6f,1,%d,0\n", w, i)
			i++
		}
	}
	return []byte(b.String())
}

func testRecord(id string) *catalog.Record {
	return catalog.NewRecord(id, map[string]any{
		"ra": 229.5, "dec": -0.8, "plate": 310.0, "mjd": 51990.0, "fiberid": 55.0,
		"modelMag_u": 19.1, "modelMag_g": 17.6, "modelMag_r": 16.8, "modelMag_i": 16.4, "modelMag_z": 16.1,
		"w1mag": 14.2, "w2mag": 14.0, "w3mag": 11.9, "w4mag": nil,
	})
}

func TestParse(t *testing.T) {
	for _, m := range All() {
		got, err := Parse(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)

		got, err = Parse(strings.ToUpper(m.Alias()))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := Parse("radio")
	assert.Error(t, err)
}

func TestEveryModalityHasShape(t *testing.T) {
	assert.Len(t, All(), 6)
	for _, m := range All() {
		assert.NotEmpty(t, m.Shape(), m.String())
		assert.NotEmpty(t, m.Alias(), m.String())
	}
	assert.False(t, Modality(0).Valid())
	assert.False(t, Modality(numModalities).Valid())
}

func TestArrayBinaryRoundTrip(t *testing.T) {
	arr, err := NewArray([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	data, err := arr.MarshalBinary()
	require.NoError(t, err)

	var back Array
	require.NoError(t, back.UnmarshalBinary(data))
	assert.True(t, arr.Equal(back))

	assert.Error(t, back.UnmarshalBinary([]byte("garbage")))
	_, err = NewArray([]int{2, 2}, []float32{1})
	assert.Error(t, err)
}

func TestFileStoreFirstWriterWins(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stored, err := store.PutOnce(ctx, "1/image", []byte(fmt.Sprintf("writer-%02d", i)))
			assert.NoError(t, err)
			if stored {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, winners.Load())

	data, ok, err := store.Get(ctx, "1/image")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(string(data), "writer-"))

	_, ok, err = store.Get(ctx, "2/image")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.PutOnce(ctx, "../escape", []byte("x"))
	assert.Error(t, err)
}

func TestResolveRecordBands(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()

	arr, err := r.Resolve(ctx, testRecord("1"), PhotometricBands)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, arr.Shape)
	assert.InDelta(t, 19.1, arr.Data[0], 1e-5)

	_, err = r.Resolve(ctx, testRecord("1"), InfraredBands)
	require.Error(t, err, "w4mag is null")
	assert.True(t, errors.Is(err, ErrUnavailable))

	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, InfraredBands, merr.Modality)
	assert.Equal(t, "1", merr.Object)
}

func TestResolveImageCachesAndIsByteIdentical(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	remote := &fakeRemote{}
	r := NewResolver(WithStore(store), WithRemote(remote))
	ctx := context.Background()

	first, err := r.Resolve(ctx, testRecord("1"), Image)
	require.NoError(t, err)
	assert.Equal(t, []int{150, 150, 3}, first.Shape)

	second, err := r.Resolve(ctx, testRecord("1"), Image)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
	assert.EqualValues(t, 1, remote.images.Load(), "second call is a cache hit")

	// A fresh resolver on the same store must also hit.
	again, err := NewResolver(WithStore(store), WithRemote(remote)).Resolve(ctx, testRecord("1"), Image)
	require.NoError(t, err)
	assert.True(t, first.Equal(again))
	assert.EqualValues(t, 1, remote.images.Load())
}

func TestResolveConcurrentFirstAccessFetchesOnce(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	remote := &fakeRemote{spectrum: fullSpectrumCSV()}
	r := NewResolver(WithStore(store), WithRemote(remote))
	ctx := context.Background()

	const callers = 8
	results := make([]Array, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			arr, err := r.Resolve(ctx, testRecord("9"), Spectrum)
			assert.NoError(t, err)
			results[i] = arr
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.True(t, results[0].Equal(results[i]))
	}
	assert.LessOrEqual(t, remote.spectra.Load(), int32(1))
}

func TestResolveCancelledCallerLeavesFetchRunning(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	remote := &fakeRemote{release: make(chan struct{})}
	r := NewResolver(WithStore(store), WithRemote(remote))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, testRecord("1"), Image)
		errc <- err
	}()
	require.Eventually(t, func() bool { return remote.images.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, ErrUnavailable)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting for the fetch")
	}

	// The fetch itself was not cancelled: it completes and is cached.
	close(remote.release)
	require.Eventually(t, func() bool {
		_, ok, err := store.Get(context.Background(), "1/image")
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)

	arr, err := r.Resolve(context.Background(), testRecord("1"), Image)
	require.NoError(t, err)
	assert.Equal(t, []int{150, 150, 3}, arr.Shape)
	assert.EqualValues(t, 1, remote.images.Load())
}

func TestResolveFetchTimeout(t *testing.T) {
	remote := &fakeRemote{release: make(chan struct{})}
	r := NewResolver(WithRemote(remote), WithFetchTimeout(20*time.Millisecond))

	_, err := r.Resolve(context.Background(), testRecord("1"), Image)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrUnavailable)
}

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("disk on fire")
}

func (brokenStore) PutOnce(ctx context.Context, key string, data []byte) (bool, error) {
	return false, errors.New("disk on fire")
}

func TestResolveSpectrumLogsStoreErrors(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	remote := &fakeRemote{spectrum: selectedSpectrumCSV()}
	r := NewResolver(WithStore(brokenStore{}), WithRemote(remote))

	arr, err := r.Resolve(context.Background(), testRecord("1"), SpectrumSelectedBands)
	require.NoError(t, err, "a broken cache does not fail the derivation")
	assert.Len(t, arr.Data, 1423)

	out := buf.String()
	assert.Contains(t, out, "Warning: cache read 1/spectrum.csv failed: disk on fire")
	assert.Contains(t, out, "Warning: cache write 1/spectrum.csv failed: disk on fire")
}

func TestResolveSpectrumWindow(t *testing.T) {
	remote := &fakeRemote{spectrum: fullSpectrumCSV()}
	r := NewResolver(WithRemote(remote))

	arr, err := r.Resolve(context.Background(), testRecord("1"), Spectrum)
	require.NoError(t, err)
	require.Len(t, arr.Data, 3522)
	assert.Equal(t, float32(0), arr.Data[0], "sample at 3900 is excluded")
	assert.Equal(t, float32(3521), arr.Data[3521], "sample at 9100 is excluded")

	_, err = r.Resolve(context.Background(), testRecord("1"), SpectrumSelectedBands)
	assert.ErrorIs(t, err, ErrUnavailable, "full synthetic trace does not have 1423 windowed samples")
}

func TestResolveSelectedBands(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	remote := &fakeRemote{spectrum: selectedSpectrumCSV()}
	r := NewResolver(WithStore(store), WithRemote(remote))

	arr, err := r.Resolve(context.Background(), testRecord("1"), SpectrumSelectedBands)
	require.NoError(t, err)
	require.Len(t, arr.Data, 1423)
	assert.Equal(t, float32(0), arr.Data[0])
	assert.Equal(t, float32(1422), arr.Data[1422])

	// The raw CSV is cached, so the full spectrum does not refetch.
	_, err = r.Resolve(context.Background(), testRecord("1"), Spectrum)
	assert.Error(t, err)
	assert.EqualValues(t, 1, remote.spectra.Load())
}

func TestResolveLocalDatasetFirst(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "fits"), 0o755))

	data := make([]float32, FluxCutout.Size())
	for i := range data {
		data[i] = float32(i % 7)
	}
	cut, err := NewArray(FluxCutout.Shape(), data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fits", "5.npy"), encodeNPY(cut), 0o644))

	archive := &fakeArchive{objects: map[string][]byte{"fits/6.npy": encodeNPY(cut)}}
	r := NewResolver(WithDataDir(dir), WithArchive(archive))
	ctx := context.Background()

	got, err := r.Resolve(ctx, testRecord("5"), FluxCutout)
	require.NoError(t, err)
	assert.True(t, cut.Equal(got))
	assert.EqualValues(t, 0, archive.calls.Load())

	got, err = r.Resolve(ctx, testRecord("6"), FluxCutout)
	require.NoError(t, err)
	assert.True(t, cut.Equal(got))
	assert.EqualValues(t, 1, archive.calls.Load())

	_, err = r.Resolve(ctx, testRecord("7"), FluxCutout)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestResolveRemoteFailure(t *testing.T) {
	r := NewResolver(WithRemote(&fakeRemote{fail: errors.New("HTTP 503")}))
	_, err := r.Resolve(context.Background(), testRecord("1"), Image)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "HTTP 503")
}

func TestEveryModalityHasDerivation(t *testing.T) {
	r := NewResolver()
	for _, m := range All() {
		_, err := r.derive(context.Background(), testRecord("1"), m)
		if err != nil {
			assert.NotContains(t, err.Error(), "no derivation", m.String())
		}
	}
}

func TestPreviews(t *testing.T) {
	remote := &fakeRemote{}
	r := NewResolver(WithRemote(remote))
	img, err := r.Resolve(context.Background(), testRecord("1"), Image)
	require.NoError(t, err)

	previews, err := Previews(Image, img)
	require.NoError(t, err)
	assert.Len(t, previews, 1)

	cut, err := NewArray(FluxCutout.Shape(), make([]float32, FluxCutout.Size()))
	require.NoError(t, err)
	previews, err = Previews(FluxCutout, cut)
	require.NoError(t, err)
	assert.Len(t, previews, 5)

	previews, err = Previews(PhotometricBands, Array{})
	require.NoError(t, err)
	assert.Nil(t, previews)
}

func TestDecodeNPYFloat64(t *testing.T) {
	arr, err := NewArray([]int{3}, []float32{1.5, -2, 3})
	require.NoError(t, err)
	got, err := decodeNPY(encodeNPY(arr))
	require.NoError(t, err)
	assert.True(t, arr.Equal(got))

	_, err = decodeNPY([]byte("not npy at all"))
	assert.Error(t, err)
}
