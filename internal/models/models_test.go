package models

import (
	"errors"
	"io/fs"
	"math"
	"strings"
	"testing"
)

func TestRasterValidate(t *testing.T) {
	r := NewRaster(4, 3)
	if r.NumPixels() != 12 || len(r.Pix) != 36 {
		t.Fatalf("unexpected raster size: %d pixels, %d samples", r.NumPixels(), len(r.Pix))
	}
	if err := r.Validate(); err != nil {
		t.Errorf("valid raster rejected: %v", err)
	}

	r.Pix = r.Pix[:35]
	if err := r.Validate(); err == nil {
		t.Error("truncated buffer accepted")
	}
	if err := (&Raster{}).Validate(); err == nil {
		t.Error("empty raster accepted")
	}
	if NewRaster(4, 3).SameShape(NewRaster(3, 4)) {
		t.Error("transposed rasters reported as the same shape")
	}
}

func TestErrorMatchesKindAndCause(t *testing.T) {
	err := MissingInput("/data/tiles/s1", fs.ErrNotExist)
	if !errors.Is(err, ErrMissingInput) {
		t.Error("kind not matched")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Error("cause not matched")
	}
	if errors.Is(err, ErrConfiguration) {
		t.Error("unrelated kind matched")
	}
	if !strings.Contains(err.Error(), "/data/tiles/s1") {
		t.Errorf("subject missing from %q", err.Error())
	}

	var e *Error
	if !errors.As(Degenerate("rank %d", 0), &e) || e.Kind != ErrNumericalDegeneracy {
		t.Error("errors.As did not recover the degeneracy kind")
	}
}

func TestValidatePercentiles(t *testing.T) {
	tests := []struct {
		lower, upper int
		ok           bool
	}{
		{10, 90, true},
		{0, 100, true},
		{50, 50, true},
		{-1, 90, false},
		{10, 101, false},
		{90, 10, false},
	}
	for _, tt := range tests {
		err := ValidatePercentiles(tt.lower, tt.upper)
		if tt.ok && err != nil {
			t.Errorf("(%d, %d) rejected: %v", tt.lower, tt.upper, err)
		}
		if !tt.ok && !errors.Is(err, ErrConfiguration) {
			t.Errorf("(%d, %d) gave %v, want a configuration error", tt.lower, tt.upper, err)
		}
	}
}

func TestProfileCounts(t *testing.T) {
	p := &IntensityProfile{
		Values: []float64{1, math.NaN(), math.Inf(-1), 2},
		Keep:   []bool{true, false, false, true},
	}
	if p.NumKept() != 2 {
		t.Errorf("NumKept = %d, want 2", p.NumKept())
	}
	if got := p.ValidValues(); len(got) != 3 {
		t.Errorf("ValidValues = %v, want NaN dropped and -Inf kept", got)
	}
}

func TestBatchResult(t *testing.T) {
	r := NewWSIBatchResult("s1")
	ok := NormalizedTile{ID: "a.png", Raster: NewRaster(2, 2)}
	bad := NormalizedTile{ID: "b.png", Err: errors.New("degenerate")}

	if err := r.AddTile(ok); err != nil {
		t.Fatal(err)
	}
	if err := r.AddTile(bad); err != nil {
		t.Fatal(err)
	}
	if err := r.AddTile(ok); err == nil {
		t.Error("duplicate tile accepted")
	}

	if got := r.NumTilesAfterPreproc(); got != 1 {
		t.Errorf("NumTilesAfterPreproc = %d, want 1", got)
	}
	if f := r.Failures(); len(f) != 1 || f[0].ID != "b.png" {
		t.Errorf("Failures = %v", f)
	}
	if n, found := r.Lookup("a.png"); !found || !n.OK() {
		t.Error("lookup of a normalized tile failed")
	}
	if _, found := r.Lookup("c.png"); found {
		t.Error("lookup of an unknown tile succeeded")
	}
}
