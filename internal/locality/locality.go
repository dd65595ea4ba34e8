// Package locality proves local density without disclosing coordinates.
//
// Locations are snapped to a flat metric grid; only a salted commitment to
// the grid cell ever leaves this package.
package locality

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

const metersPerDegreeLat = 111_320.0

// Density bands.
const (
	BandSparse   = "sparse"
	BandModerate = "moderate"
	BandDense    = "dense"
)

// DefaultCellSizeM is the grid resolution used when none is given.
const DefaultCellSizeM = 500.0

// Point is a WGS84 coordinate pair in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Cell is a grid cell index. It must not be exposed outside the engine.
type Cell struct {
	X int64
	Y int64
}

// Certificate is the shareable result of Certify.
type Certificate struct {
	CellCommitment  string `json:"cell_commitment"`
	DensityBand     string `json:"density_band"`
	Verified        bool   `json:"verified"`
	PopulationFloor int    `json:"population_floor"`
}

func metersPerDegreeLon(lat float64) float64 {
	return metersPerDegreeLat * math.Max(0.01, math.Cos(lat*math.Pi/180))
}

// Quantize snaps a coordinate to its grid cell.
func Quantize(p Point, cellSizeM float64) (Cell, error) {
	if !(p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180) {
		return Cell{}, domain.Detail(domain.ErrInvalidLocation, "invalid latitude/longitude (%v, %v)", p.Lat, p.Lon)
	}
	if !(cellSizeM > 0) || math.IsInf(cellSizeM, 1) {
		return Cell{}, domain.Detail(domain.ErrInvalidLocation, "cell size must be > 0, got %v", cellSizeM)
	}
	return Cell{
		X: int64(math.Floor(p.Lat * metersPerDegreeLat / cellSizeM)),
		Y: int64(math.Floor(p.Lon * metersPerDegreeLon(p.Lat) / cellSizeM)),
	}, nil
}

// Commitment binds a cell to an epoch salt.
func Commitment(c Cell, salt string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%s", c.X, c.Y, salt)))
	return hex.EncodeToString(sum[:])
}

// Band classifies a local population count.
func Band(count int) string {
	switch {
	case count < 5:
		return BandSparse
	case count < 20:
		return BandModerate
	default:
		return BandDense
	}
}

// Certify counts the peers sharing subject's cell. The subject counts as one
// local participant, so the population floor is at least 1.
func Certify(subject Point, peers []Point, minK int, cellSizeM float64, salt string) (Certificate, error) {
	cell, err := Quantize(subject, cellSizeM)
	if err != nil {
		return Certificate{}, err
	}
	sameCell := 0
	for i, p := range peers {
		pc, err := Quantize(p, cellSizeM)
		if err != nil {
			return Certificate{}, fmt.Errorf("peer %d: %w", i, err)
		}
		if pc == cell {
			sameCell++
		}
	}

	floor := sameCell + 1
	return Certificate{
		CellCommitment:  Commitment(cell, salt),
		DensityBand:     Band(floor),
		Verified:        floor >= minK,
		PopulationFloor: floor,
	}, nil
}
