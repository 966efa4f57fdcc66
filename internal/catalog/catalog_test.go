package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const datasetCSV = `objid,ra,dec,plate,mjd,fiberid,subclass,modelMag_u,modelMag_g,modelMag_r,modelMag_i,modelMag_z,w1mag,w2mag,w3mag,w4mag,redshift
1237648720693755918,229.52,-0.87,310,51990,55,STARFORMING,19.1,17.6,16.8,16.4,16.1,14.2,14.0,,8.1,0.056
1237648721230626957,230.13,-0.41,311,51665,20,AGN,18.7,17.2,16.5,16.1,15.9,13.9,13.7,11.2,8.7,0.081
`

func TestRecordAccessors(t *testing.T) {
	rec := NewRecord("42", map[string]any{
		"ra":       int64(12),
		"dec":      float32(1.5),
		"subclass": "AGN",
		"w3mag":    nil,
	})

	ra, ok := rec.Float("ra")
	require.True(t, ok)
	assert.Equal(t, 12.0, ra)

	_, ok = rec.Float("w3mag")
	assert.False(t, ok, "null fields are not numeric")

	_, ok = rec.Float("subclass")
	assert.False(t, ok)
	assert.Equal(t, "AGN", rec.Text("subclass"))

	m := rec.AsMap()
	assert.Equal(t, "42", m["objid"])
	assert.Nil(t, m["w3mag"])
}

func TestRecordCloneIsIndependent(t *testing.T) {
	rec := NewRecord("1", map[string]any{"ra": 1.0})
	c := rec.Clone()
	c.Fields["ra"] = 2.0

	ra, _ := rec.Float("ra")
	assert.Equal(t, 1.0, ra)
}

func TestMemoryGet(t *testing.T) {
	mem := NewMemory(NewRecord("1", map[string]any{"ra": 1.0}))
	ctx := context.Background()

	rec, err := mem.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "1", rec.ID)

	_, err = mem.Get(ctx, "2")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.EqualValues(t, 2, mem.Calls())

	id, err := mem.RandomID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", id)
}

func TestSQLiteImportAndGet(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	n, err := db.ImportCSV(ctx, strings.NewReader(datasetCSV))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := db.Get(ctx, "1237648720693755918")
	require.NoError(t, err)
	assert.Equal(t, "1237648720693755918", rec.ID)
	assert.Equal(t, "STARFORMING", rec.Text("subclass"))

	plate, ok := rec.Int("plate")
	require.True(t, ok)
	assert.EqualValues(t, 310, plate)

	_, ok = rec.Float("w3mag")
	assert.False(t, ok, "empty cell imports as null")

	_, err = db.Get(ctx, "1")
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := db.RandomID(ctx)
	require.NoError(t, err)
	assert.Contains(t, []string{"1237648720693755918", "1237648721230626957"}, id)
}

func TestSQLitePutReplaces(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Put(ctx, NewRecord("7", map[string]any{"redshift": 0.1})))
	require.NoError(t, db.Put(ctx, NewRecord("7", map[string]any{"redshift": 0.2})))

	rec, err := db.Get(ctx, "7")
	require.NoError(t, err)
	z, _ := rec.Float("redshift")
	assert.Equal(t, 0.2, z)
}

func TestSQLiteImportRequiresObjid(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ImportCSV(context.Background(), strings.NewReader("ra,dec\n1,2\n"))
	assert.Error(t, err)
}

func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("ASTRO_ENSEMBLE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("ASTRO_ENSEMBLE_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	pg, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	defer pg.Close()

	require.NoError(t, pg.Put(ctx, NewRecord("pg-test-1", map[string]any{"ra": 10.5})))
	rec, err := pg.Get(ctx, "pg-test-1")
	require.NoError(t, err)
	ra, _ := rec.Float("ra")
	assert.Equal(t, 10.5, ra)

	_, err = pg.Get(ctx, "pg-test-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
