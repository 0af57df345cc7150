package tileio

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"wsiprep/internal/models"
)

func createTestRaster(width, height int) *models.Raster {
	r := models.NewRaster(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 3
			r.Pix[i] = uint8(x * 10)
			r.Pix[i+1] = uint8(y * 10)
			r.Pix[i+2] = uint8((x + y) * 5)
		}
	}
	return r
}

// TestLosslessRoundTrip saves and reloads a raster in every lossless format
func TestLosslessRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := createTestRaster(8, 6)

	for _, ext := range []string{".png", ".tif", ".bmp"} {
		path := filepath.Join(dir, "tile"+ext)
		if err := Save(path, src); err != nil {
			t.Fatalf("Failed to save %s: %v", ext, err)
		}

		got, err := Load(path)
		if err != nil {
			t.Fatalf("Failed to load %s: %v", ext, err)
		}
		if !got.SameShape(src) {
			t.Fatalf("%s: expected %dx%d, got %dx%d", ext, src.Width, src.Height, got.Width, got.Height)
		}
		for i := range src.Pix {
			if got.Pix[i] != src.Pix[i] {
				t.Fatalf("%s: sample %d differs: expected %d, got %d", ext, i, src.Pix[i], got.Pix[i])
			}
		}
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.png")
	if err := os.WriteFile(path, []byte("not a png"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if !errors.Is(err, models.ErrInvalidTile) {
		t.Errorf("Expected ErrInvalidTile, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.png"))
	if !errors.Is(err, models.ErrInvalidTile) {
		t.Errorf("Expected ErrInvalidTile, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected the cause to be preserved, got %v", err)
	}
}

func TestFromImageGrayAndAlpha(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 2, 1))
	gray.SetGray(0, 0, color.Gray{Y: 42})
	gray.SetGray(1, 0, color.Gray{Y: 200})

	r := FromImage(gray)
	want := []uint8{42, 42, 42, 200, 200, 200}
	for i, v := range want {
		if r.Pix[i] != v {
			t.Errorf("Gray sample %d: expected %d, got %d", i, v, r.Pix[i])
		}
	}

	nrgba := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	nrgba.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 128})
	r = FromImage(nrgba)
	if r.Pix[0] != 10 || r.Pix[1] != 20 || r.Pix[2] != 30 {
		t.Errorf("Expected unpremultiplied RGB (10,20,30), got %v", r.Pix)
	}
}

func TestFromImageOffsetBounds(t *testing.T) {
	// Sub-images keep their parent's origin
	parent := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	parent.SetNRGBA(2, 2, color.NRGBA{R: 99, A: 255})
	sub := parent.SubImage(image.Rect(2, 2, 4, 4))

	r := FromImage(sub)
	if r.Width != 2 || r.Height != 2 {
		t.Fatalf("Expected 2x2, got %dx%d", r.Width, r.Height)
	}
	if r.Pix[0] != 99 {
		t.Errorf("Expected first sample 99, got %d", r.Pix[0])
	}
}

func TestListTiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.tif", "notes.txt", "c.PNG"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.png"), 0755); err != nil {
		t.Fatal(err)
	}

	tiles, err := ListTiles(dir)
	if err != nil {
		t.Fatalf("ListTiles failed: %v", err)
	}

	want := []string{"a.tif", "b.png", "c.PNG"}
	if len(tiles) != len(want) {
		t.Fatalf("Expected %d tiles, got %d: %v", len(want), len(tiles), tiles)
	}
	for i, name := range want {
		if tiles[i].ID != name {
			t.Errorf("Tile %d: expected %s, got %s", i, name, tiles[i].ID)
		}
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.png")
	dst := filepath.Join(dir, "nested", "dst.png")
	if err := os.WriteFile(src, []byte("raw bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile failed: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "raw bytes" {
		t.Errorf("Expected copied content, got %q", data)
	}
}
