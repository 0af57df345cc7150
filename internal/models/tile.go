package models

import (
	"fmt"
	"math"
)

// Channels is the number of color channels carried by every raster
const Channels = 3

// Raster is an 8-bit RGB image stored as interleaved row-major samples.
// The sample for channel c of pixel (x, y) lives at Pix[(y*Width+x)*3+c].
type Raster struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewRaster allocates a zeroed raster of the given dimensions
func NewRaster(width, height int) *Raster {
	return &Raster{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height*Channels),
	}
}

// NumPixels returns H*W
func (r *Raster) NumPixels() int {
	return r.Width * r.Height
}

// SameShape reports whether both rasters have identical (H, W, 3) shape
func (r *Raster) SameShape(o *Raster) bool {
	return r.Width == o.Width && r.Height == o.Height && len(r.Pix) == len(o.Pix)
}

// Validate checks that the sample buffer matches the declared dimensions
func (r *Raster) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("raster has empty dimensions %dx%d", r.Width, r.Height)
	}
	if len(r.Pix) != r.Width*r.Height*Channels {
		return fmt.Errorf("raster buffer holds %d samples, want %d", len(r.Pix), r.Width*r.Height*Channels)
	}
	return nil
}

// Tile is one file produced by the tiling tool for a WSI
type Tile struct {
	// ID is the filename, unique within its WSI directory
	ID string

	// Path is the absolute or working-directory relative location of the file
	Path string
}

// IntensityProfile holds the log-intensity filtering decision for one WSI batch.
// Values, Keep and Errors are index-aligned with the tile order the profile
// was computed from.
type IntensityProfile struct {
	// Values are the log10 median intensities, NaN for undecodable tiles
	Values []float64

	// DarkTh and WhiteTh are the lower and upper percentile values.
	// They are only meaningful when HasThresholds is true.
	DarkTh  float64
	WhiteTh float64

	// HasThresholds is false when no tile produced a valid value
	HasThresholds bool

	// Keep[i] is true iff DarkTh <= Values[i] <= WhiteTh
	Keep []bool

	// Errors[i] is non-nil when tile i could not be decoded
	Errors []error

	LowerPerc int
	UpperPerc int
}

// NumKept counts the tiles passing the thresholds
func (p *IntensityProfile) NumKept() int {
	n := 0
	for _, k := range p.Keep {
		if k {
			n++
		}
	}
	return n
}

// ValidValues returns the finite-or-infinite values of decodable tiles
func (p *IntensityProfile) ValidValues() []float64 {
	out := make([]float64, 0, len(p.Values))
	for _, v := range p.Values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// NormalizedTile pairs a tile with its normalized raster or the failure
// that prevented normalization. Exactly one of Raster and Err is set.
type NormalizedTile struct {
	ID     string
	Raster *Raster
	Err    error
}

// OK reports whether normalization succeeded
func (n NormalizedTile) OK() bool {
	return n.Err == nil && n.Raster != nil
}

// WSIBatchResult is the outcome of processing one WSI tile directory.
// A new value is built for every WSI and never reused. Tiles and Discarded
// together account for every tile found in the directory.
type WSIBatchResult struct {
	// Slide is the normalized slide name, also the tile directory name.
	Slide string

	// Tiles holds one entry per kept tile in enumeration order. Entries
	// whose normalization failed carry the error instead of a raster.
	Tiles []NormalizedTile

	// Discarded lists the IDs of tiles rejected by thresholding or found
	// unreadable, in enumeration order.
	Discarded []string

	// NumTilesInit is the number of tiles found in the directory.
	NumTilesInit int

	// NumTilesKept is the number of tiles passing the thresholds. It counts
	// normalization failures; see NumTilesAfterPreproc for the final count.
	NumTilesKept int

	// Profile is the intensity profile the keep decisions were taken from.
	Profile *IntensityProfile

	index map[string]int
}

// NewWSIBatchResult creates an empty result for a slide
func NewWSIBatchResult(slide string) *WSIBatchResult {
	return &WSIBatchResult{
		Slide: slide,
		index: make(map[string]int),
	}
}

// AddTile records the normalization outcome of a kept tile.
// Adding the same ID twice replaces nothing and returns an error.
func (r *WSIBatchResult) AddTile(t NormalizedTile) error {
	if _, exists := r.index[t.ID]; exists {
		return fmt.Errorf("tile %s already recorded", t.ID)
	}
	r.index[t.ID] = len(r.Tiles)
	r.Tiles = append(r.Tiles, t)
	return nil
}

// Lookup returns the normalization outcome for a tile ID
func (r *WSIBatchResult) Lookup(id string) (NormalizedTile, bool) {
	i, ok := r.index[id]
	if !ok {
		return NormalizedTile{}, false
	}
	return r.Tiles[i], true
}

// Normalized returns the successfully normalized tiles in order
func (r *WSIBatchResult) Normalized() []NormalizedTile {
	out := make([]NormalizedTile, 0, len(r.Tiles))
	for _, t := range r.Tiles {
		if t.OK() {
			out = append(out, t)
		}
	}
	return out
}

// Failures returns the kept tiles whose normalization failed
func (r *WSIBatchResult) Failures() []NormalizedTile {
	var out []NormalizedTile
	for _, t := range r.Tiles {
		if !t.OK() {
			out = append(out, t)
		}
	}
	return out
}

// NumTilesAfterPreproc is the count retained after thresholding and normalization
func (r *WSIBatchResult) NumTilesAfterPreproc() int {
	return len(r.Normalized())
}
