package controls

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"phaselock/domain/result"
)

// OutcomesFile is the per-replicate table name for kind
func OutcomesFile(kind result.ControlKind) string {
	return "controls_" + string(kind) + ".csv"
}

// SummaryFile is the per-scenario table name for kind
func SummaryFile(kind result.ControlKind) string {
	return "controls_" + string(kind) + "_summary.csv"
}

var outcomeHeader = []string{
	"scenario", "kind", "replicate", "run_id", "target", "expected_signal",
	"effect_size", "p_value", "z_score", "detected", "failed",
}

var summaryHeader = []string{
	"scenario", "kind", "gating", "runs", "failed_runs", "tests", "detections", "rate", "threshold", "verdict",
}

func encodeOutcomes(outcomes []result.ControlOutcome) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(outcomeHeader); err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		rec := []string{
			o.Scenario, string(o.Kind), strconv.Itoa(o.Replicate), string(o.Result.RunID),
			strconv.Itoa(o.Result.Target), strconv.FormatBool(o.ExpectedSignal),
			result.FormatFloat(o.Result.EffectSize), result.FormatFloat(o.Result.PValue),
			result.FormatFloat(o.Result.ZScore),
			strconv.FormatBool(o.Detected), strconv.FormatBool(o.Failed),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func encodeSummaries(summaries []ScenarioSummary) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(summaryHeader); err != nil {
		return nil, err
	}
	for _, s := range summaries {
		rec := []string{
			s.Scenario, string(s.Kind), strconv.FormatBool(s.Gating),
			strconv.Itoa(s.Runs), strconv.Itoa(s.FailedRuns), strconv.Itoa(s.Tests), strconv.Itoa(s.Detections),
			result.FormatFloat(s.Rate), result.FormatFloat(s.Threshold), string(s.Verdict),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ReadSummaries parses a controls_<kind>_summary.csv table
func ReadSummaries(r io.Reader) ([]ScenarioSummary, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || strings.Join(records[0], ",") != strings.Join(summaryHeader, ",") {
		return nil, fmt.Errorf("not a control summary table")
	}
	out := make([]ScenarioSummary, 0, len(records)-1)
	for i, rec := range records[1:] {
		s, err := parseSummary(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+2, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func parseSummary(rec []string) (ScenarioSummary, error) {
	if len(rec) != len(summaryHeader) {
		return ScenarioSummary{}, fmt.Errorf("expected %d columns, got %d", len(summaryHeader), len(rec))
	}
	kind, err := result.ParseControlKind(rec[1])
	if err != nil {
		return ScenarioSummary{}, err
	}
	gating, err := strconv.ParseBool(rec[2])
	if err != nil {
		return ScenarioSummary{}, fmt.Errorf("gating: %w", err)
	}
	ints := make([]int, 4)
	for i := range ints {
		if ints[i], err = strconv.Atoi(rec[3+i]); err != nil {
			return ScenarioSummary{}, fmt.Errorf("%s: %w", summaryHeader[3+i], err)
		}
	}
	rate, err := result.ParseFloat(rec[7])
	if err != nil {
		return ScenarioSummary{}, fmt.Errorf("rate: %w", err)
	}
	threshold, err := result.ParseFloat(rec[8])
	if err != nil {
		return ScenarioSummary{}, fmt.Errorf("threshold: %w", err)
	}
	verdict := Verdict(rec[9])
	if verdict != VerdictPass && verdict != VerdictFail {
		return ScenarioSummary{}, fmt.Errorf("unknown verdict %q", rec[9])
	}
	return ScenarioSummary{
		Scenario: rec[0], Kind: kind, Gating: gating,
		Runs: ints[0], FailedRuns: ints[1], Tests: ints[2], Detections: ints[3],
		Rate: rate, Threshold: threshold, Verdict: verdict,
	}, nil
}

// LoadSummaries reads the summary table of kind from resultsDir. A missing
// table yields nil without error: the catalog has not been run.
func LoadSummaries(resultsDir string, kind result.ControlKind) ([]ScenarioSummary, error) {
	f, err := os.Open(filepath.Join(resultsDir, SummaryFile(kind)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSummaries(f)
}
