package report

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"wsiprep/internal/models"
)

// ArchiveExt is appended to the archive base name
const ArchiveExt = ".gob.zst"

// ArchivedTile is one entry of the normalized tile mapping
type ArchivedTile struct {
	ID     string
	Width  int
	Height int
	Pix    []byte
}

// Archive is the serialized mapping from tile ID to normalized raster, in
// tile enumeration order
type Archive struct {
	Slide string
	Tiles []ArchivedTile
}

// Len returns the number of tiles in the archive
func (a *Archive) Len() int {
	return len(a.Tiles)
}

// Raster returns the raster stored under id
func (a *Archive) Raster(id string) (*models.Raster, bool) {
	for _, t := range a.Tiles {
		if t.ID == id {
			return &models.Raster{Width: t.Width, Height: t.Height, Pix: t.Pix}, true
		}
	}
	return nil, false
}

// NewArchive collects the successfully normalized tiles of a batch result
func NewArchive(result *models.WSIBatchResult) *Archive {
	normalized := result.Normalized()
	a := &Archive{
		Slide: result.Slide,
		Tiles: make([]ArchivedTile, 0, len(normalized)),
	}
	for _, t := range normalized {
		a.Tiles = append(a.Tiles, ArchivedTile{
			ID:     t.ID,
			Width:  t.Raster.Width,
			Height: t.Raster.Height,
			Pix:    t.Raster.Pix,
		})
	}
	return a
}

// WriteArchive gob-encodes the archive into a zstd stream at path
func WriteArchive(path string, a *Archive) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	enc, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to start compression: %w", err)
	}
	if err := gob.NewEncoder(enc).Encode(a); err != nil {
		enc.Close()
		file.Close()
		return fmt.Errorf("failed to encode archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush compressed archive: %w", err)
	}
	return file.Close()
}

// ReadArchive loads an archive written by WriteArchive
func ReadArchive(path string) (*Archive, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dec, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed archive: %w", err)
	}
	defer dec.Close()

	var a Archive
	if err := gob.NewDecoder(dec).Decode(&a); err != nil {
		return nil, fmt.Errorf("failed to decode archive: %w", err)
	}
	return &a, nil
}
