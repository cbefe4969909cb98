package engine

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"phaselock/domain/result"
	"phaselock/ports"
)

// Output formats understood by ParseOutput
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

var requiredColumns = []string{"target", "effect_size", "p_value", "z_score"}

// ParseOutput parses engine output in the given format
func ParseOutput(raw []byte, format string) (*ports.EngineOutput, error) {
	switch format {
	case FormatCSV:
		rows, err := ParseCSV(raw)
		if err != nil {
			return nil, err
		}
		return &ports.EngineOutput{Rows: rows, Raw: raw, Format: FormatCSV}, nil
	case FormatJSON:
		return ParseJSON(raw)
	default:
		return nil, fmt.Errorf("unsupported engine output format %q", format)
	}
}

// ParseCSV reads rows from a headed CSV table; column order is free
func ParseCSV(raw []byte) ([]ports.EngineRow, error) {
	records, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("malformed engine CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("engine CSV is empty")
	}

	index := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("engine CSV is missing column %q", col)
		}
	}

	rows := make([]ports.EngineRow, 0, len(records)-1)
	for line, rec := range records[1:] {
		target, err := strconv.Atoi(strings.TrimSpace(rec[index["target"]]))
		if err != nil {
			return nil, fmt.Errorf("line %d target: %w", line+2, err)
		}
		row := ports.EngineRow{Target: target}
		for _, f := range []struct {
			col string
			dst *float64
		}{
			{"effect_size", &row.EffectSize},
			{"p_value", &row.PValue},
			{"z_score", &row.ZScore},
		} {
			v, err := result.ParseFloat(rec[index[f.col]])
			if err != nil {
				return nil, fmt.Errorf("line %d %s: %w", line+2, f.col, err)
			}
			*f.dst = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ParseJSON reads {"version": "...", "rows": [{target, effect_size, p_value, z_score}, ...]}.
// A null or missing statistic becomes NaN so the row is flagged rather than dropped.
func ParseJSON(raw []byte) (*ports.EngineOutput, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("engine JSON is not valid")
	}
	rowsField := gjson.GetBytes(raw, "rows")
	if !rowsField.IsArray() {
		return nil, fmt.Errorf("engine JSON has no rows array")
	}

	out := &ports.EngineOutput{
		Raw:     raw,
		Format:  FormatJSON,
		Version: gjson.GetBytes(raw, "version").String(),
	}
	for i, item := range rowsField.Array() {
		target := item.Get("target")
		if target.Type != gjson.Number {
			return nil, fmt.Errorf("row %d: target must be a number", i)
		}
		out.Rows = append(out.Rows, ports.EngineRow{
			Target:     int(target.Int()),
			EffectSize: jsonFloat(item.Get("effect_size")),
			PValue:     jsonFloat(item.Get("p_value")),
			ZScore:     jsonFloat(item.Get("z_score")),
		})
	}
	return out, nil
}

func jsonFloat(r gjson.Result) float64 {
	switch r.Type {
	case gjson.Number:
		return r.Float()
	case gjson.String:
		v, err := result.ParseFloat(r.Str)
		if err != nil {
			return math.NaN()
		}
		return v
	default:
		return math.NaN()
	}
}

// EncodeCSV renders rows in the engine CSV contract
func EncodeCSV(rows []ports.EngineRow) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(requiredColumns)
	for _, r := range rows {
		_ = w.Write([]string{
			strconv.Itoa(r.Target),
			result.FormatFloat(r.EffectSize),
			result.FormatFloat(r.PValue),
			result.FormatFloat(r.ZScore),
		})
	}
	w.Flush()
	return buf.Bytes()
}
