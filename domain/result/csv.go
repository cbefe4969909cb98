package result

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"phaselock/domain/core"
	"phaselock/domain/run"
)

// ResultHeader is the column layout of result.csv
var ResultHeader = []string{
	"run_id", "target", "effect_size", "p_value", "z_score",
	"null_model", "mc_samples", "duration_ms", "flags",
}

// WriteCSV writes rows in ResultHeader layout
func WriteCSV(w io.Writer, rows []RunResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ResultHeader); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			string(r.RunID),
			strconv.Itoa(r.Target),
			FormatFloat(r.EffectSize),
			FormatFloat(r.PValue),
			FormatFloat(r.ZScore),
			string(r.NullModel),
			strconv.Itoa(r.MCSamples),
			strconv.FormatInt(r.Duration.Milliseconds(), 10),
			joinFlags(r.Flags),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses rows written by WriteCSV
func ReadCSV(r io.Reader) ([]RunResult, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("result file is empty")
	}
	if strings.Join(records[0], ",") != strings.Join(ResultHeader, ",") {
		return nil, fmt.Errorf("unexpected result header %v", records[0])
	}

	rows := make([]RunResult, 0, len(records)-1)
	for i, rec := range records[1:] {
		row, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+2, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRecord(rec []string) (RunResult, error) {
	if len(rec) != len(ResultHeader) {
		return RunResult{}, fmt.Errorf("expected %d columns, got %d", len(ResultHeader), len(rec))
	}
	target, err := strconv.Atoi(rec[1])
	if err != nil {
		return RunResult{}, fmt.Errorf("target: %w", err)
	}
	effect, err := ParseFloat(rec[2])
	if err != nil {
		return RunResult{}, fmt.Errorf("effect_size: %w", err)
	}
	p, err := ParseFloat(rec[3])
	if err != nil {
		return RunResult{}, fmt.Errorf("p_value: %w", err)
	}
	z, err := ParseFloat(rec[4])
	if err != nil {
		return RunResult{}, fmt.Errorf("z_score: %w", err)
	}
	mc, err := strconv.Atoi(rec[6])
	if err != nil {
		return RunResult{}, fmt.Errorf("mc_samples: %w", err)
	}
	ms, err := strconv.ParseInt(rec[7], 10, 64)
	if err != nil {
		return RunResult{}, fmt.Errorf("duration_ms: %w", err)
	}
	return RunResult{
		RunID:      core.RunID(rec[0]),
		Target:     target,
		EffectSize: effect,
		PValue:     p,
		ZScore:     z,
		NullModel:  run.NullModel(rec[5]),
		MCSamples:  mc,
		Duration:   time.Duration(ms) * time.Millisecond,
		Flags:      splitFlags(rec[8]),
	}, nil
}

// FormatFloat renders a statistic for CSV output; non-finite values stay explicit
func FormatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ParseFloat accepts the forms produced by FormatFloat
func ParseFloat(s string) (float64, error) {
	switch strings.TrimSpace(s) {
	case "NaN", "nan":
		return math.NaN(), nil
	case "+Inf", "Inf", "inf":
		return math.Inf(1), nil
	case "-Inf", "-inf":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func joinFlags(flags []Flag) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, ";")
}

func splitFlags(s string) []Flag {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	flags := make([]Flag, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			flags = append(flags, Flag(p))
		}
	}
	return flags
}
