package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"wsiprep/internal/models"
)

// SummaryFile is the name of the cross-batch summary table
const SummaryFile = "infoWSIs.csv"

// SlideListFile is the name of the optional slide selection table
const SlideListFile = "slidesToProcess.csv"

// SummaryHeader is the header row of the summary table
var SummaryHeader = []string{"Slide", "numTilesInit", "numTilesAfterPreproc"}

// SummaryRow describes one processed WSI
type SummaryRow struct {
	Slide                string
	NumTilesInit         int
	NumTilesAfterPreproc int
}

// RowFor builds the summary row of a batch result
func RowFor(result *models.WSIBatchResult) SummaryRow {
	return SummaryRow{
		Slide:                result.Slide,
		NumTilesInit:         result.NumTilesInit,
		NumTilesAfterPreproc: result.NumTilesAfterPreproc(),
	}
}

// WriteSummary writes the rows as a comma separated table with a header
func WriteSummary(path string, rows []SummaryRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create summary directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create summary: %w", err)
	}

	w := csv.NewWriter(file)
	if err := w.Write(SummaryHeader); err != nil {
		file.Close()
		return err
	}
	for _, row := range rows {
		record := []string{
			row.Slide,
			strconv.Itoa(row.NumTilesInit),
			strconv.Itoa(row.NumTilesAfterPreproc),
		}
		if err := w.Write(record); err != nil {
			file.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return file.Close()
}

// ReadSummary parses a table written by WriteSummary
func ReadSummary(path string) ([]SummaryRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse summary: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("summary %s is empty", path)
	}

	rows := make([]SummaryRow, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) != len(SummaryHeader) {
			return nil, fmt.Errorf("summary row %d has %d fields", i+1, len(rec))
		}
		initial, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, fmt.Errorf("summary row %d: %w", i+1, err)
		}
		after, err := strconv.Atoi(rec[2])
		if err != nil {
			return nil, fmt.Errorf("summary row %d: %w", i+1, err)
		}
		rows = append(rows, SummaryRow{Slide: rec[0], NumTilesInit: initial, NumTilesAfterPreproc: after})
	}
	return rows, nil
}

// ReadSlideList returns the Slide column of slidesToProcess.csv in dir.
// Names are returned as written; see NormalizeSlideName.
func ReadSlideList(dir string) ([]string, error) {
	path := filepath.Join(dir, SlideListFile)
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, models.MissingInput(path, err)
		}
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s header: %w", SlideListFile, err)
	}
	col := -1
	for i, name := range header {
		if strings.TrimSpace(name) == "Slide" {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, models.Configf("%s has no Slide column", path)
	}

	var slides []string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", SlideListFile, err)
		}
		if col < len(rec) && rec[col] != "" {
			slides = append(slides, rec[col])
		}
	}
	return slides, nil
}

// NormalizeSlideName strips the file extension and every space, which is how
// the tiling script names the per-slide tile directory
func NormalizeSlideName(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.ReplaceAll(base, " ", "")
}
