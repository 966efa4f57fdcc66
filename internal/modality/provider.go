package modality

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/SyedDaiam9101/astro-ensemble/internal/catalog"
	"github.com/SyedDaiam9101/astro-ensemble/internal/metrics"
)

// Provider resolves one modality of an object as a fixed-shape array.
// The record carries the object id and the catalog fields some
// derivations need (coordinates, plate/mjd/fiber, magnitudes).
type Provider interface {
	Resolve(ctx context.Context, rec *catalog.Record, m Modality) (Array, error)
}

// Remote fetches raw data from the survey web service.
type Remote interface {
	ImageCutout(ctx context.Context, ra, dec float64, scale float64, width, height int) ([]byte, error)
	Spectrum(ctx context.Context, plate, mjd, fiberID int64) ([]byte, error)
}

// Archive serves precomputed arrays (npy files) by key.
type Archive interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Cutout parameters for image modality requests.
const (
	cutoutScale = 0.2
)

// DefaultFetchTimeout bounds one shared derivation.
const DefaultFetchTimeout = 2 * time.Minute

var (
	photometricFields = []string{"modelMag_u", "modelMag_g", "modelMag_r", "modelMag_i", "modelMag_z"}
	infraredFields    = []string{"w1mag", "w2mag", "w3mag", "w4mag"}
)

// Resolver is the Provider used by the service. It looks for data in the
// local dataset directory, then in the cache store, and finally derives it
// from the remote service or archive, persisting the result to the store.
type Resolver struct {
	dataDir string
	store   Store
	remote  Remote
	archive Archive
	flight  singleflight.Group

	fetchTimeout time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDataDir sets the local dataset directory (img/, fits/, spectra/, ssel/).
func WithDataDir(dir string) Option { return func(r *Resolver) { r.dataDir = dir } }

// WithStore sets the cache store.
func WithStore(s Store) Option { return func(r *Resolver) { r.store = s } }

// WithRemote sets the remote survey service.
func WithRemote(rm Remote) Option { return func(r *Resolver) { r.remote = rm } }

// WithArchive sets the archive of precomputed flux cutouts.
func WithArchive(a Archive) Option { return func(r *Resolver) { r.archive = a } }

// WithFetchTimeout bounds a shared fetch, which outlives the caller that
// started it. Non-positive values keep DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{fetchTimeout: DefaultFetchTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the array for modality m of the object. The caller owns
// the returned array. Failures are *Error values.
func (r *Resolver) Resolve(ctx context.Context, rec *catalog.Record, m Modality) (Array, error) {
	fail := func(err error) (Array, error) {
		metrics.RecordModalityCache(m.String(), "error")
		return Array{}, &Error{Object: rec.ID, Modality: m, Err: err}
	}
	if !m.Valid() {
		return fail(errors.New("unknown modality"))
	}

	switch m {
	case PhotometricBands:
		return r.fromRecord(rec, m, photometricFields)
	case InfraredBands:
		return r.fromRecord(rec, m, infraredFields)
	}

	key := rec.ID + "/" + m.String()
	if arr, ok := r.cached(ctx, key); ok {
		metrics.RecordModalityCache(m.String(), "hit")
		return arr, nil
	}
	metrics.RecordModalityCache(m.String(), "miss")

	v, err := r.shared(ctx, key, func(ctx context.Context) (any, error) {
		if arr, ok := r.cached(ctx, key); ok {
			return arr, nil
		}
		arr, err := r.derive(ctx, rec, m)
		if err != nil {
			return nil, err
		}
		return r.persist(ctx, key, arr)
	})
	if err != nil {
		return fail(err)
	}
	return v.(Array).Clone(), nil
}

// shared runs fn once per key for all concurrent callers. fn gets a context
// that keeps the first caller's values but none of its cancellation, bounded
// by the fetch timeout. A caller whose ctx ends stops waiting; the fetch
// carries on for the others.
func (r *Resolver) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := r.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// derive computes a modality that is not cached yet.
func (r *Resolver) derive(ctx context.Context, rec *catalog.Record, m Modality) (Array, error) {
	switch m {
	case Image:
		return r.image(ctx, rec)
	case FluxCutout:
		return r.fluxCutout(ctx, rec)
	case Spectrum:
		return r.spectrum(ctx, rec)
	case SpectrumSelectedBands:
		return r.selectedBands(ctx, rec)
	case PhotometricBands:
		return r.fromRecord(rec, m, photometricFields)
	case InfraredBands:
		return r.fromRecord(rec, m, infraredFields)
	}
	return Array{}, fmt.Errorf("no derivation for %s", m)
}

func (r *Resolver) cached(ctx context.Context, key string) (Array, bool) {
	if r.store == nil {
		return Array{}, false
	}
	data, ok, err := r.store.Get(ctx, key)
	if err != nil {
		log.Printf("Warning: cache read %s failed: %v", key, err)
		return Array{}, false
	}
	if !ok {
		return Array{}, false
	}
	var arr Array
	if err := arr.UnmarshalBinary(data); err != nil {
		log.Printf("Warning: cache entry %s is corrupt: %v", key, err)
		return Array{}, false
	}
	return arr, true
}

// persist stores arr unless another writer got there first, in which case
// the stored entry is returned so every caller sees identical bytes.
func (r *Resolver) persist(ctx context.Context, key string, arr Array) (Array, error) {
	if r.store == nil {
		return arr, nil
	}
	data, err := arr.MarshalBinary()
	if err != nil {
		return Array{}, err
	}
	stored, err := r.store.PutOnce(ctx, key, data)
	if err != nil {
		log.Printf("Warning: cache write %s failed: %v", key, err)
		return arr, nil
	}
	if stored {
		return arr, nil
	}
	if winner, ok := r.cached(ctx, key); ok {
		return winner, nil
	}
	return arr, nil
}

func (r *Resolver) fromRecord(rec *catalog.Record, m Modality, fields []string) (Array, error) {
	data := make([]float32, len(fields))
	for i, f := range fields {
		v, ok := rec.Float(f)
		if !ok {
			metrics.RecordModalityCache(m.String(), "error")
			return Array{}, &Error{Object: rec.ID, Modality: m, Err: fmt.Errorf("field %s is null", f)}
		}
		data[i] = float32(v)
	}
	return NewArray(m.Shape(), data)
}

func (r *Resolver) image(ctx context.Context, rec *catalog.Record) (Array, error) {
	shape := Image.Shape()
	data, err := r.localFile("img", rec.ID+".jpg")
	if err != nil {
		return Array{}, err
	}
	if data == nil {
		if r.remote == nil {
			return Array{}, errors.New("no local image and no remote service configured")
		}
		ra, ok1 := rec.Float("ra")
		dec, ok2 := rec.Float("dec")
		if !ok1 || !ok2 {
			return Array{}, errors.New("record has no coordinates")
		}
		data, err = r.remote.ImageCutout(ctx, ra, dec, cutoutScale, shape[1], shape[0])
		if err != nil {
			return Array{}, err
		}
	}
	return decodeJPEG(data, shape)
}

func (r *Resolver) fluxCutout(ctx context.Context, rec *catalog.Record) (Array, error) {
	name := rec.ID + ".npy"
	data, err := r.localFile("fits", name)
	if err != nil {
		return Array{}, err
	}
	if data == nil {
		if r.archive == nil {
			return Array{}, errors.New("no local flux cutout and no archive configured")
		}
		data, err = r.archive.Fetch(ctx, "fits/"+name)
		if err != nil {
			return Array{}, err
		}
	}
	arr, err := decodeNPY(data)
	if err != nil {
		return Array{}, err
	}
	want := FluxCutout.Shape()
	got, err := NewArray(want, arr.Data)
	if err != nil {
		return Array{}, fmt.Errorf("flux cutout has shape %v, want %v", arr.Shape, want)
	}
	return got, nil
}

func (r *Resolver) spectrum(ctx context.Context, rec *catalog.Record) (Array, error) {
	rows, err := r.spectrumRows(ctx, rec)
	if err != nil {
		return Array{}, err
	}
	trace, err := spectrumTrace(rows)
	if err != nil {
		return Array{}, err
	}
	return NewArray(Spectrum.Shape(), trace)
}

func (r *Resolver) selectedBands(ctx context.Context, rec *catalog.Record) (Array, error) {
	// A pre-selected file holds exactly the windowed rows.
	data, err := r.localFile("ssel", rec.ID+".csv")
	if err != nil {
		return Array{}, err
	}
	if data != nil {
		rows, err := parseSpectrumCSV(data)
		if err != nil {
			return Array{}, err
		}
		trace, err := plainTrace(rows, SpectrumSelectedBands.Size())
		if err != nil {
			return Array{}, err
		}
		return NewArray(SpectrumSelectedBands.Shape(), trace)
	}

	rows, err := r.spectrumRows(ctx, rec)
	if err != nil {
		return Array{}, err
	}
	trace, err := selectedTrace(rows)
	if err != nil {
		return Array{}, err
	}
	return NewArray(SpectrumSelectedBands.Shape(), trace)
}

// spectrumRows loads the raw spectrum CSV from the dataset, the cache or
// the remote service. A freshly fetched CSV is cached under
// "<objid>/spectrum.csv" so both spectral modalities share one download.
func (r *Resolver) spectrumRows(ctx context.Context, rec *catalog.Record) ([]spectrumRow, error) {
	data, err := r.localFile("spectra", rec.ID+".csv")
	if err != nil {
		return nil, err
	}
	if data == nil {
		key := rec.ID + "/spectrum.csv"
		v, err := r.shared(ctx, key, func(ctx context.Context) (any, error) {
			return r.fetchSpectrum(ctx, rec, key)
		})
		if err != nil {
			return nil, err
		}
		data = v.([]byte)
	}
	return parseSpectrumCSV(data)
}

func (r *Resolver) fetchSpectrum(ctx context.Context, rec *catalog.Record, key string) ([]byte, error) {
	if r.store != nil {
		data, ok, err := r.store.Get(ctx, key)
		if err != nil {
			log.Printf("Warning: cache read %s failed: %v", key, err)
		} else if ok {
			return data, nil
		}
	}
	if r.remote == nil {
		return nil, errors.New("no local spectrum and no remote service configured")
	}
	plate, ok1 := rec.Int("plate")
	mjd, ok2 := rec.Int("mjd")
	fiber, ok3 := rec.Int("fiberid")
	if !ok1 || !ok2 || !ok3 {
		return nil, errors.New("record has no plate/mjd/fiberid")
	}
	data, err := r.remote.Spectrum(ctx, plate, mjd, fiber)
	if err != nil {
		return nil, err
	}
	if r.store == nil {
		return data, nil
	}
	stored, err := r.store.PutOnce(ctx, key, data)
	if err != nil {
		log.Printf("Warning: cache write %s failed: %v", key, err)
		return data, nil
	}
	if !stored {
		winner, ok, err := r.store.Get(ctx, key)
		if err != nil {
			log.Printf("Warning: cache read %s failed: %v", key, err)
		} else if ok {
			return winner, nil
		}
	}
	return data, nil
}

// localFile reads <dataDir>/<sub>/<name>; it returns nil, nil when absent.
func (r *Resolver) localFile(sub, name string) ([]byte, error) {
	if r.dataDir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(r.dataDir, sub, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dataset file: %w", err)
	}
	return data, nil
}

var _ Provider = (*Resolver)(nil)
