// Package tileio reads tile files into 8-bit RGB rasters and writes rasters back
// out. PNG, JPEG, TIFF and BMP are supported; the format is chosen from the
// file extension when writing and sniffed from the content when reading.
package tileio

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"wsiprep/internal/models"
)

// SupportedExtensions lists the tile file extensions considered raster tiles
var SupportedExtensions = []string{".png", ".tif", ".tiff", ".bmp", ".jpg", ".jpeg"}

// IsSupported reports whether the filename has a raster tile extension
func IsSupported(name string) bool {
	return slices.Contains(SupportedExtensions, strings.ToLower(filepath.Ext(name)))
}

// Load decodes the tile at path. Any read or decode failure is reported as
// models.ErrInvalidTile.
func Load(path string) (*models.Raster, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, models.InvalidTile(filepath.Base(path), err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, models.InvalidTile(filepath.Base(path), err)
	}

	r := FromImage(img)
	if err := r.Validate(); err != nil {
		return nil, models.InvalidTile(filepath.Base(path), err)
	}
	return r, nil
}

// FromImage converts any image to an RGB raster. Alpha is dropped without
// premultiplication and grayscale is replicated across the three channels.
func FromImage(img image.Image) *models.Raster {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	r := models.NewRaster(width, height)

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < height; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+width*4]
			for x := 0; x < width; x++ {
				dst := (y*width + x) * 3
				copy(r.Pix[dst:dst+3], row[x*4:x*4+3])
			}
		}
	case *image.RGBA:
		for y := 0; y < height; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+width*4]
			for x := 0; x < width; x++ {
				dst := (y*width + x) * 3
				copy(r.Pix[dst:dst+3], row[x*4:x*4+3])
			}
		}
	case *image.Gray:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v := src.Pix[y*src.Stride+x]
				dst := (y*width + x) * 3
				r.Pix[dst], r.Pix[dst+1], r.Pix[dst+2] = v, v, v
			}
		}
	default:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
				dst := (y*width + x) * 3
				r.Pix[dst], r.Pix[dst+1], r.Pix[dst+2] = c.R, c.G, c.B
			}
		}
	}

	return r
}

// ToImage converts a raster into an opaque NRGBA image
func ToImage(r *models.Raster) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
	for i := 0; i < r.NumPixels(); i++ {
		copy(img.Pix[i*4:i*4+3], r.Pix[i*3:i*3+3])
		img.Pix[i*4+3] = 0xff
	}
	return img
}

// Encode writes the raster to w in the format implied by ext
func Encode(w io.Writer, r *models.Raster, ext string) error {
	img := ToImage(r)
	switch strings.ToLower(ext) {
	case ".png":
		return png.Encode(w, img)
	case ".jpg", ".jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
	case ".tif", ".tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	case ".bmp":
		return bmp.Encode(w, img)
	default:
		return fmt.Errorf("unsupported output format %q", ext)
	}
}

// Save writes the raster to path, creating parent directories
func Save(path string, r *models.Raster) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}

	if err := Encode(file, r, filepath.Ext(path)); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode image %s: %w", filepath.Base(path), err)
	}
	return file.Close()
}

// CopyFile copies a tile file byte for byte, so even undecodable tiles can be
// moved into the discard location.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ListTiles returns the raster tiles of dir in sorted filename order.
// Subdirectories and files without a raster extension are skipped.
func ListTiles(dir string) ([]models.Tile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	tiles := make([]models.Tile, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !IsSupported(entry.Name()) {
			continue
		}
		tiles = append(tiles, models.Tile{
			ID:   entry.Name(),
			Path: filepath.Join(dir, entry.Name()),
		})
	}
	return tiles, nil
}
