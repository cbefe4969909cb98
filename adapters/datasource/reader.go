package datasource

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"phaselock/domain/run"
	"phaselock/domain/skymap"
)

// DataReader reads a ring-per-row map from a CSV file or an XLSX sheet.
// A leading row that does not parse as numbers is treated as a header.
type DataReader struct {
	filePath string
	fileType string // "xlsx" or "csv"
	sheet    string
}

// NewDataReader creates a reader for spec
func NewDataReader(spec run.FileSpec) *DataReader {
	return &DataReader{filePath: spec.Path, fileType: spec.Format, sheet: spec.Sheet}
}

// ReadMap reads and parses the file
func (r *DataReader) ReadMap() (*skymap.Map, error) {
	if _, err := os.Stat(r.filePath); err != nil {
		return nil, fmt.Errorf("%s file not readable: %w", strings.ToUpper(r.fileType), err)
	}

	var (
		rows [][]string
		err  error
	)
	switch r.fileType {
	case "csv":
		rows, err = r.readCSVRows()
	case "xlsx":
		rows, err = r.readExcelRows()
	default:
		return nil, fmt.Errorf("unsupported file type: %s", r.fileType)
	}
	if err != nil {
		return nil, err
	}
	return r.processRows(rows)
}

func (r *DataReader) readCSVRows() ([][]string, error) {
	file, err := os.Open(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV file: %w", err)
	}
	return rows, nil
}

func (r *DataReader) readExcelRows() ([][]string, error) {
	f, err := excelize.OpenFile(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheet := r.sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("workbook has no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
	}
	return rows, nil
}

// processRows converts raw string rows into rings
func (r *DataReader) processRows(rows [][]string) (*skymap.Map, error) {
	rings := make([][]float64, 0, len(rows))
	for i, row := range rows {
		row = trimTrailingEmpty(row)
		if len(row) == 0 {
			continue
		}
		values, err := parseRow(row)
		if err != nil {
			if i == 0 && len(rings) == 0 {
				continue
			}
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		rings = append(rings, values)
	}
	if len(rings) == 0 {
		return nil, fmt.Errorf("%s file has no data rows", r.fileType)
	}
	return skymap.FromRings(rings)
}

func parseRow(row []string) ([]float64, error) {
	values := make([]float64, len(row))
	for j, cell := range row {
		v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", j+1, err)
		}
		values[j] = v
	}
	return values, nil
}

func trimTrailingEmpty(row []string) []string {
	for len(row) > 0 && strings.TrimSpace(row[len(row)-1]) == "" {
		row = row[:len(row)-1]
	}
	return row
}
