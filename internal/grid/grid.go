// Package grid implements the deterministic mapping between geographic
// coordinates and the fixed-width grid cell identifiers used as storage key
// prefixes by the terrain engine.
package grid

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxCells bounds rows and cols so the zero-padded 3-digit cell tag
// (G_RRR_CCC) stays bijective with the integer cell coordinates. Widening
// this requires widening the tag format, which is a storage key format
// change (spec: breaking change).
const maxCells = 1000

// Index is an immutable equirectangular grid over a rectangular bounds
// region. It is pure and side-effect-free: no field is ever mutated after
// construction.
type Index struct {
	minLon, minLat float64
	maxLon, maxLat float64
	cellSize       float64
	rows, cols     int
}

// NewIndex validates bounds and cell size and returns a ready-to-use Index.
//
// Precondition: minLon < maxLon, minLat < maxLat, cellSizeDeg > 0, and the
// derived (rows, cols) must each be <= 1000.
func NewIndex(minLon, minLat, maxLon, maxLat, cellSizeDeg float64) (*Index, error) {
	if !(minLon < maxLon) {
		return nil, fmt.Errorf("grid: min_lon %v must be < max_lon %v", minLon, maxLon)
	}
	if !(minLat < maxLat) {
		return nil, fmt.Errorf("grid: min_lat %v must be < max_lat %v", minLat, maxLat)
	}
	if !(cellSizeDeg > 0) {
		return nil, fmt.Errorf("grid: cell_size_deg %v must be > 0", cellSizeDeg)
	}

	// Small epsilon guards against floating point remainders landing just
	// under an integer multiple of cellSizeDeg (e.g. 2.0/0.01 == 199.999999...).
	const eps = 1e-9
	cols := int(math.Ceil((maxLon-minLon)/cellSizeDeg - eps))
	rows := int(math.Ceil((maxLat-minLat)/cellSizeDeg - eps))
	if cols > maxCells || rows > maxCells {
		return nil, fmt.Errorf("grid: bounds/cell_size yield %dx%d cells, exceeds %dx%d limit", rows, cols, maxCells, maxCells)
	}
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}

	return &Index{
		minLon: minLon, minLat: minLat,
		maxLon: maxLon, maxLat: maxLat,
		cellSize: cellSizeDeg,
		rows:     rows, cols: cols,
	}, nil
}

// Rows and Cols report the derived grid dimensions.
func (ix *Index) Rows() int { return ix.rows }
func (ix *Index) Cols() int { return ix.cols }

// InBounds reports whether (lon, lat) fall within the configured rectangle.
func (ix *Index) InBounds(lon, lat float64) bool {
	return lon >= ix.minLon && lon <= ix.maxLon && lat >= ix.minLat && lat <= ix.maxLat
}

// ComputeGridID clamps (lon, lat) into bounds and returns the zero-padded
// cell tag G_RRR_CCC. Out-of-bounds input is clamped, not rejected; callers
// that must enforce bounds check InBounds separately before calling this.
func (ix *Index) ComputeGridID(lon, lat float64) string {
	row, col := ix.rowCol(lon, lat)
	return formatCellID(row, col)
}

// RowCol is the public form of ix.rowCol, exposed for operator tooling.
func (ix *Index) RowCol(lon, lat float64) (row, col int) {
	return ix.rowCol(lon, lat)
}

func (ix *Index) rowCol(lon, lat float64) (row, col int) {
	col = int((lon - ix.minLon) / ix.cellSize)
	row = int((lat - ix.minLat) / ix.cellSize)
	col = clamp(col, 0, ix.cols-1)
	row = clamp(row, 0, ix.rows-1)
	return row, col
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func formatCellID(row, col int) string {
	return fmt.Sprintf("G_%03d_%03d", row, col)
}

// KeyOf renders the full storage key for a point: cellId|lon7dp|lat7dp.
func KeyOf(cellID string, lon, lat float64) string {
	return cellID + "|" + fmt7(lon) + "|" + fmt7(lat)
}

// CellPrefix returns the inclusive lower bound of a cell's key range.
func CellPrefix(cellID string) string {
	return cellID + "|"
}

// CellEnd returns the exclusive upper bound of a cell's key range. '~' (0x7E)
// sorts after any digit or '.' in ASCII, so it strictly bounds the range.
func CellEnd(cellID string) string {
	return cellID + "|~"
}

func fmt7(v float64) string {
	return strconv.FormatFloat(v, 'f', 7, 64)
}

// ParseKey splits a storage key into its cell id, lon, and lat components.
// Malformed keys (unexpected field count, unparsable numbers) return ok=false;
// callers must treat this as "skip the entry", never as a hard error.
func ParseKey(key string) (cellID string, lon, lat float64, ok bool) {
	first := strings.IndexByte(key, '|')
	if first < 0 {
		return "", 0, 0, false
	}
	rest := key[first+1:]
	second := strings.IndexByte(rest, '|')
	if second < 0 {
		return "", 0, 0, false
	}

	cellID = key[:first]
	lonStr := rest[:second]
	latStr := rest[second+1:]

	lonV, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return "", 0, 0, false
	}
	latV, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return "", 0, 0, false
	}
	return cellID, lonV, latV, true
}

// CoveredCells returns, in row-major order, the cell ids covering the closed
// rectangle [minLon,maxLon] x [minLat,maxLat] after clamping the rectangle
// into bounds.
func (ix *Index) CoveredCells(minLon, minLat, maxLon, maxLat float64) []string {
	minLon = clampF(minLon, ix.minLon, ix.maxLon)
	maxLon = clampF(maxLon, ix.minLon, ix.maxLon)
	minLat = clampF(minLat, ix.minLat, ix.maxLat)
	maxLat = clampF(maxLat, ix.minLat, ix.maxLat)
	if minLon > maxLon {
		minLon, maxLon = maxLon, minLon
	}
	if minLat > maxLat {
		minLat, maxLat = maxLat, minLat
	}

	rowMin, colMin := ix.rowCol(minLon, minLat)
	rowMax, colMax := ix.rowCol(maxLon, maxLat)
	if rowMin > rowMax {
		rowMin, rowMax = rowMax, rowMin
	}
	if colMin > colMax {
		colMin, colMax = colMax, colMin
	}

	out := make([]string, 0, (rowMax-rowMin+1)*(colMax-colMin+1))
	for r := rowMin; r <= rowMax; r++ {
		for c := colMin; c <= colMax; c++ {
			out = append(out, formatCellID(r, c))
		}
	}
	return out
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// InRect reports whether (lon, lat) lies within the closed rectangle.
func InRect(lon, lat, minLon, minLat, maxLon, maxLat float64) bool {
	return lon >= minLon && lon <= maxLon && lat >= minLat && lat <= maxLat
}
