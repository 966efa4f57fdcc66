package skyserver

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/SyedDaiam9101/astro-ensemble/internal/catalog"
)

const specPhotoQuery = `SELECT objID as objid, mjd, plate, tile, fiberID as fiberid, run, rerun, camcol, field, ra, dec, class, subClass as subclass, modelMag_u, modelMag_g, modelMag_r, modelMag_i, modelMag_z, z as redshift FROM SpecPhoto WHERE objID=%d AND class='GALAXY' AND subClass is not null AND zwarning=0`

const wiseQuery = `SELECT s.objID, w.w1mag, w.w2mag, w.w3mag, w.w4mag FROM SpecPhoto s JOIN WISE_xmatch x ON x.sdss_objid = s.objID JOIN WISE_allsky w ON x.wise_cntr = w.cntr WHERE s.objID=%d`

var wiseFields = []string{"w1mag", "w2mag", "w3mag", "w4mag"}

// Catalog resolves object records from SpecPhoto, optionally merged with
// the WISE all-sky cross-match.
type Catalog struct {
	client *Client
	wise   bool
}

// NewCatalog creates a catalog over client. When wise is set, infrared
// magnitudes are added to every record (null when there is no match).
func NewCatalog(client *Client, wise bool) *Catalog {
	return &Catalog{client: client, wise: wise}
}

// Get returns the SpecPhoto record for a galaxy, or catalog.ErrNotFound.
func (c *Catalog) Get(ctx context.Context, id string) (*catalog.Record, error) {
	objid, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, catalog.ErrNotFound)
	}

	rows, err := c.client.SQL(ctx, fmt.Sprintf(specPhotoQuery, objid))
	if errors.Is(err, ErrNoRows) || (err == nil && len(rows) != 1) {
		return nil, fmt.Errorf("%s: %w", id, catalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query object %s: %w", id, err)
	}

	fields := rows[0]
	delete(fields, "objid")
	if c.wise {
		for _, f := range wiseFields {
			fields[f] = nil
		}
		wrows, err := c.client.SQL(ctx, fmt.Sprintf(wiseQuery, objid))
		if err != nil && !errors.Is(err, ErrNoRows) {
			return nil, fmt.Errorf("query infrared bands %s: %w", id, err)
		}
		if len(wrows) == 1 {
			for _, f := range wiseFields {
				fields[f] = wrows[0][f]
			}
		}
	}

	return catalog.NewRecord(id, fields), nil
}

var _ catalog.Lookup = (*Catalog)(nil)
