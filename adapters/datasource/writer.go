package datasource

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"phaselock/domain/skymap"
)

// WriteMapCSV writes m as one ring per row, the layout DataReader reads back
func WriteMapCSV(path string, m *skymap.Map) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create map file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	record := make([]string, m.Samples)
	for r := 0; r < m.Rings; r++ {
		for j, v := range m.Ring(r) {
			record[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}
