package aggregate

import (
	"fmt"
	"math"
	"strconv"

	"github.com/xuri/excelize/v2"

	"phaselock/adapters/filestore"
	"phaselock/domain/run"
)

// WriteXLSX exports the summary and grouped statistics as a workbook with
// one sheet each.
func (s *Summary) WriteXLSX(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	const summarySheet, groupsSheet = "summary", "groups"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(groupsSheet); err != nil {
		return err
	}

	header := SummaryHeader()
	if err := setRow(f, summarySheet, 1, toCells(header)); err != nil {
		return err
	}
	for i, r := range s.Rows {
		cells := []interface{}{string(r.RunID), r.Target}
		for _, name := range run.ParamNames {
			cells = append(cells, paramCell(r.Params[name]))
		}
		cells = append(cells,
			numberCell(r.EffectSize), numberCell(r.PValue), numberCell(r.ZScore), numberCell(r.QValue),
			r.Significant, r.Duration.Milliseconds(), flagString(r.Flags))
		if err := setRow(f, summarySheet, i+2, cells); err != nil {
			return err
		}
	}

	if err := setRow(f, groupsSheet, 1, toCells(GroupsHeader)); err != nil {
		return err
	}
	for i, g := range s.Groups {
		cells := []interface{}{
			g.Param, paramCell(g.Value), g.Target, g.N,
			numberCell(g.MeanEffect), numberCell(g.MedianEffect), numberCell(g.StdEffect),
			numberCell(g.MeanP), numberCell(g.MedianP), g.SignificantCount,
		}
		if err := setRow(f, groupsSheet, i+2, cells); err != nil {
			return err
		}
	}

	if err := f.SetPanes(summarySheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("encode workbook: %w", err)
	}
	return filestore.WriteAtomic(path, buf.Bytes())
}

func setRow(f *excelize.File, sheet string, row int, cells []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &cells)
}

func toCells(values []string) []interface{} {
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return cells
}

// numberCell keeps non-finite statistics readable; workbooks cannot store NaN
func numberCell(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return v
}

func paramCell(v string) interface{} {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	return v
}
