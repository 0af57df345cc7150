// Package stain implements Macenko stain normalization for H&E tiles.
//
// Reference: M Macenko, M Niethammer, JS Marron, D Borland, JT Woosley, X Guan,
// C Schmitt, NE Thomas. "A method for normalizing histology slides for
// quantitative analysis". IEEE ISBI 2009, pp. 1107-1110.
//
// The transform converts RGB to optical density (OD), finds the plane spanned
// by the two principal directions of the non-background OD pixels, takes robust
// angular extremes in that plane as the hematoxylin and eosin stain vectors,
// unmixes per-pixel stain concentrations by least squares, rescales them to a
// reference saturation and recomposes the image with a reference stain matrix.
//
// Optical density uses the natural logarithm, OD = -ln((I+1)/Io), unlike the
// log10 median used by the intensity filter. The reference matrix and maximum
// saturations are expressed in natural-log OD and recomposition applies exp,
// so switching to log10 would rescale every concentration.
package stain

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"wsiprep/internal/models"
	"wsiprep/pkg/percentile"
)

// Default parameters recommended by the paper
const (
	DefaultIo    = 240.0
	DefaultAlpha = 1.0
	DefaultBeta  = 0.15
)

// MinRetainedPixels is the smallest number of non-transparent pixels the stain
// vectors are estimated from. Fewer is reported as a degeneracy.
const MinRetainedPixels = 3

// saturationPercentile is the robust maximum used to rescale concentrations
const saturationPercentile = 99.0

// ReferenceHE is the reference optical-density matrix. Rows are R, G, B;
// column 0 is hematoxylin and column 1 is eosin.
var ReferenceHE = [3][2]float64{
	{0.5626, 0.2159},
	{0.7201, 0.8012},
	{0.4062, 0.5581},
}

// ReferenceMaxC is the reference maximum saturation for (hematoxylin, eosin)
var ReferenceMaxC = [2]float64{1.9705, 1.0308}

// Params holds the Macenko normalization parameters.
// The zero value is not usable; start from DefaultParams.
type Params struct {
	// Io is the transmitted light intensity, the value an unstained pixel
	// reaches. It must be positive; 240 suits most brightfield scanners.
	Io float64 `yaml:"io"`

	// Alpha is the percentile tolerance, in percent, for the pseudo-min and
	// pseudo-max angles of the projected OD. Larger values make the stain
	// vectors more robust to outliers.
	Alpha float64 `yaml:"alpha"`

	// Beta is the OD threshold below which a pixel is treated as transparent
	// background and excluded from stain estimation.
	Beta float64 `yaml:"beta"`
}

// DefaultParams returns Io=240, Alpha=1, Beta=0.15
func DefaultParams() Params {
	return Params{Io: DefaultIo, Alpha: DefaultAlpha, Beta: DefaultBeta}
}

// Validate checks that the parameters describe a computable transform
func (p Params) Validate() error {
	if !(p.Io > 0) || math.IsInf(p.Io, 0) {
		return models.Configf("Io must be positive and finite, got %v", p.Io)
	}
	if !(p.Alpha >= 0 && p.Alpha <= 50) {
		return models.Configf("alpha must lie in [0, 50], got %v", p.Alpha)
	}
	if math.IsNaN(p.Beta) || math.IsInf(p.Beta, 0) {
		return models.Configf("beta must be finite, got %v", p.Beta)
	}
	return nil
}

// Stains is the result of estimating a tile's stain basis.
// It is produced by Estimate and used internally by Normalize.
type Stains struct {
	// HE holds the estimated 3x2 stain matrix in OD space. Rows are R, G,
	// B; hematoxylin is column 0 and eosin column 1.
	HE *mat.Dense

	// MaxC is the 99th percentile concentration of each stain over all
	// pixels of the tile. Normalization divides by it, so it is always
	// positive and finite.
	MaxC [2]float64

	// Retained is the number of non-transparent pixels the stain vectors
	// were estimated from.
	Retained int
}

// Normalizer applies the Macenko transform. It holds no mutable state and is
// safe for concurrent use.
type Normalizer struct {
	params Params
	heRef  *mat.Dense
}

// NewNormalizer creates a normalizer with the given parameters
func NewNormalizer(params Params) *Normalizer {
	return &Normalizer{
		params: params,
		heRef: mat.NewDense(3, 2, []float64{
			ReferenceHE[0][0], ReferenceHE[0][1],
			ReferenceHE[1][0], ReferenceHE[1][1],
			ReferenceHE[2][0], ReferenceHE[2][1],
		}),
	}
}

// Params returns the parameters the normalizer was built with
func (n *Normalizer) Params() Params {
	return n.params
}

// Normalize maps the stain distribution of src onto the reference basis and
// returns a new raster of the same shape. src is not modified.
func (n *Normalizer) Normalize(src *models.Raster) (*models.Raster, error) {
	if err := src.Validate(); err != nil {
		return nil, models.InvalidTile("", err)
	}

	od := n.opticalDensity(src)
	stains, conc, err := n.unmix(od)
	if err != nil {
		return nil, err
	}

	scale := [2]float64{
		stains.MaxC[0] / ReferenceMaxC[0],
		stains.MaxC[1] / ReferenceMaxC[1],
	}

	return n.recompose(conc, scale, src.Width, src.Height), nil
}

// Estimate returns the stain matrix and saturations of src without recomposing
func (n *Normalizer) Estimate(src *models.Raster) (*Stains, error) {
	if err := src.Validate(); err != nil {
		return nil, models.InvalidTile("", err)
	}
	stains, _, err := n.unmix(n.opticalDensity(src))
	return stains, err
}

// opticalDensity returns the N x 3 matrix OD = -ln((I+1)/Io). The +1 keeps
// black pixels finite.
func (n *Normalizer) opticalDensity(src *models.Raster) *mat.Dense {
	data := make([]float64, len(src.Pix))
	for i, v := range src.Pix {
		data[i] = -math.Log((float64(v) + 1) / n.params.Io)
	}
	return mat.NewDense(src.NumPixels(), models.Channels, data)
}

// unmix estimates the stain basis and solves for the 2 x N concentrations of
// every pixel, transparent ones included.
func (n *Normalizer) unmix(od *mat.Dense) (*Stains, *mat.Dense, error) {
	he, retained, err := n.estimateBasis(od)
	if err != nil {
		return nil, nil, err
	}

	var svd mat.SVD
	if !svd.Factorize(he, mat.SVDThin) {
		return nil, nil, models.Degenerate("SVD of the stain matrix did not converge")
	}
	// same cutoff as numpy.linalg.lstsq with rcond=None
	rank := svd.Rank(eps * 3)
	if rank == 0 {
		return nil, nil, models.Degenerate("stain matrix has rank 0")
	}

	var conc mat.Dense
	svd.SolveTo(&conc, od.T(), rank)

	stains := &Stains{HE: he, Retained: retained}
	for s := 0; s < 2; s++ {
		row := conc.RawRowView(s)
		stains.MaxC[s] = percentile.Of(row, saturationPercentile, percentile.Linear)
		if !(stains.MaxC[s] > 0) || math.IsInf(stains.MaxC[s], 0) {
			return nil, nil, models.Degenerate("stain %d maximum concentration is %v", s, stains.MaxC[s])
		}
	}

	return stains, &conc, nil
}

// estimateBasis finds the hematoxylin and eosin OD vectors from the
// non-transparent pixels of od.
func (n *Normalizer) estimateBasis(od *mat.Dense) (*mat.Dense, int, error) {
	odHat, allBlack := n.retainedPixels(od)
	if odHat == nil {
		return nil, 0, models.Degenerate("fewer than %d pixels above the OD threshold %v", MinRetainedPixels, n.params.Beta)
	}
	retained, _ := odHat.Dims()
	if allBlack {
		return nil, retained, models.Degenerate("every retained pixel is black, no stain signal")
	}

	cov := mat.NewSymDense(models.Channels, nil)
	stat.CovarianceMatrix(cov, odHat, nil)
	for i := 0; i < models.Channels; i++ {
		for j := i; j < models.Channels; j++ {
			if v := cov.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, retained, models.Degenerate("covariance is not finite")
			}
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return nil, retained, models.Degenerate("eigendecomposition of the OD covariance did not converge")
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// eigenvalues are ascending, so columns 1 and 2 carry the two largest
	plane := vectors.Slice(0, 3, 1, 3)

	var proj mat.Dense
	proj.Mul(odHat, plane)

	phi := make([]float64, retained)
	for i := range phi {
		phi[i] = math.Atan2(proj.At(i, 1), proj.At(i, 0))
	}
	minPhi, maxPhi := percentile.Pair(phi, n.params.Alpha, 100-n.params.Alpha, percentile.Linear)

	vMin := planeVector(plane, minPhi)
	vMax := planeVector(plane, maxPhi)

	return orderStains(vMin, vMax), retained, nil
}

// retainedPixels returns the rows of od with every channel at or above Beta,
// or nil when fewer than MinRetainedPixels remain. allBlack is true when every
// retained pixel sits at the OD ceiling ln(Io), i.e. is pure black.
func (n *Normalizer) retainedPixels(od *mat.Dense) (*mat.Dense, bool) {
	rows, cols := od.Dims()
	// same expression as opticalDensity for a zero sample, so equality is exact
	ceiling := -math.Log((0 + 1) / n.params.Io)
	data := make([]float64, 0, rows*cols)
	allBlack := true

	for i := 0; i < rows; i++ {
		row := od.RawRowView(i)
		if row[0] < n.params.Beta || row[1] < n.params.Beta || row[2] < n.params.Beta {
			continue
		}
		if row[0] != ceiling || row[1] != ceiling || row[2] != ceiling {
			allBlack = false
		}
		data = append(data, row...)
	}

	retained := len(data) / cols
	if retained < MinRetainedPixels {
		return nil, false
	}
	return mat.NewDense(retained, cols, data), allBlack
}

// planeVector maps an angle in the projection plane back to a 3D OD vector
func planeVector(plane mat.Matrix, phi float64) [3]float64 {
	c, s := math.Cos(phi), math.Sin(phi)
	var v [3]float64
	for i := range v {
		v[i] = plane.At(i, 0)*c + plane.At(i, 1)*s
	}
	return v
}

// orderStains builds the 3x2 stain matrix from the two angular extremes.
//
// Stain identity convention (Macenko et al.): the extreme vector with the
// larger red-channel OD is hematoxylin and goes in column 0, the other is
// eosin in column 1. On a tie the maximum-angle vector comes first.
func orderStains(vMin, vMax [3]float64) *mat.Dense {
	first, second := vMax, vMin
	if vMin[0] > vMax[0] {
		first, second = vMin, vMax
	}
	return mat.NewDense(3, 2, []float64{
		first[0], second[0],
		first[1], second[1],
		first[2], second[2],
	})
}

// recompose builds Inorm = Io * exp(-HERef * C / scale), clamps values above
// 255 to 254 and truncates to uint8.
func (n *Normalizer) recompose(conc *mat.Dense, scale [2]float64, width, height int) *models.Raster {
	out := models.NewRaster(width, height)
	h := conc.RawRowView(0)
	e := conc.RawRowView(1)

	for i := 0; i < out.NumPixels(); i++ {
		ch := h[i] / scale[0]
		ce := e[i] / scale[1]
		for c := 0; c < models.Channels; c++ {
			v := n.params.Io * math.Exp(-(ReferenceHE[c][0]*ch + ReferenceHE[c][1]*ce))
			if v > 255 {
				v = 254
			}
			out.Pix[i*3+c] = uint8(v)
		}
	}

	return out
}

// eps is float64 machine epsilon
var eps = math.Nextafter(1, 2) - 1
