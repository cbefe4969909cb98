package aggregate

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/montanaflynn/stats"

	"phaselock/adapters/filestore"
	"phaselock/domain/core"
	"phaselock/domain/result"
	"phaselock/domain/run"
)

// Output file names under the results directory
const (
	SummaryFile       = "summary.csv"
	GroupsFile        = "summary_groups.csv"
	SummaryXLSXFile   = "summary.xlsx"
	DefaultFDRLevel   = 0.05
	significantColumn = "significant"
)

// Row is one (run, target) line of the aggregated summary
type Row struct {
	result.RunResult
	Params      map[string]string // run.ParamNames -> value
	QValue      float64
	Significant bool
}

// Param returns the value of a swept parameter
func (r Row) Param(name string) string { return r.Params[name] }

// Group holds summary statistics for one parameter value and target
type Group struct {
	Param            string
	Value            string
	Target           int
	N                int
	MeanEffect       float64
	MedianEffect     float64
	StdEffect        float64
	MeanP            float64
	MedianP          float64
	SignificantCount int
}

// Summary is the aggregated results table
type Summary struct {
	Alpha  float64
	Rows   []Row
	Groups []Group
}

// Build joins entries into a summary sorted by (run_id, target) and applies
// Benjamini–Hochberg at alpha across all rows.
func Build(entries []Entry, alpha float64) *Summary {
	rows := make([]Row, len(entries))
	for i, e := range entries {
		params := make(map[string]string, len(run.ParamNames))
		for _, name := range run.ParamNames {
			params[name] = e.Config.ParamValue(name)
		}
		rows[i] = Row{RunResult: e.Result, Params: params}
	}
	return newSummary(rows, alpha)
}

func newSummary(rows []Row, alpha float64) *Summary {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].RunID != rows[j].RunID {
			return rows[i].RunID < rows[j].RunID
		}
		return rows[i].Target < rows[j].Target
	})

	p := make([]float64, len(rows))
	for i, r := range rows {
		p[i] = r.PValue
	}
	q, significant := BenjaminiHochberg(p, alpha)
	for i := range rows {
		rows[i].QValue = q[i]
		rows[i].Significant = significant[i]
	}

	return &Summary{Alpha: alpha, Rows: rows, Groups: groupRows(rows)}
}

// Targets returns the distinct targets in ascending order
func (s *Summary) Targets() []int {
	seen := make(map[int]bool)
	var targets []int
	for _, r := range s.Rows {
		if !seen[r.Target] {
			seen[r.Target] = true
			targets = append(targets, r.Target)
		}
	}
	sort.Ints(targets)
	return targets
}

// RowsFor returns the rows testing target
func (s *Summary) RowsFor(target int) []Row {
	var rows []Row
	for _, r := range s.Rows {
		if r.Target == target {
			rows = append(rows, r)
		}
	}
	return rows
}

// SummaryHeader is the column layout of summary.csv
func SummaryHeader() []string {
	header := []string{"run_id", "target"}
	header = append(header, run.ParamNames...)
	return append(header, "effect_size", "p_value", "z_score", "q_value", significantColumn, "duration_ms", "flags")
}

// WriteCSV writes the summary table
func (s *Summary) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(SummaryHeader()); err != nil {
		return err
	}
	for _, r := range s.Rows {
		record := []string{string(r.RunID), strconv.Itoa(r.Target)}
		for _, name := range run.ParamNames {
			record = append(record, r.Params[name])
		}
		record = append(record,
			result.FormatFloat(r.EffectSize),
			result.FormatFloat(r.PValue),
			result.FormatFloat(r.ZScore),
			result.FormatFloat(r.QValue),
			strconv.FormatBool(r.Significant),
			strconv.FormatInt(r.Duration.Milliseconds(), 10),
			flagString(r.Flags),
		)
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes summary.csv atomically
func (s *Summary) WriteFile(path string) error {
	var buf bytes.Buffer
	if err := s.WriteCSV(&buf); err != nil {
		return err
	}
	return filestore.WriteAtomic(path, buf.Bytes())
}

// ReadSummary parses a summary written by WriteCSV. q-values and decisions
// are taken from the file, not recomputed.
func ReadSummary(r io.Reader, alpha float64) (*Summary, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("summary is empty")
	}
	header := SummaryHeader()
	if strings.Join(records[0], ",") != strings.Join(header, ",") {
		return nil, fmt.Errorf("unexpected summary header %v", records[0])
	}

	rows := make([]Row, 0, len(records)-1)
	for i, rec := range records[1:] {
		row, err := parseSummaryRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("summary line %d: %w", i+2, err)
		}
		rows = append(rows, row)
	}
	return &Summary{Alpha: alpha, Rows: rows, Groups: groupRows(rows)}, nil
}

func parseSummaryRecord(rec []string) (Row, error) {
	if len(rec) != len(SummaryHeader()) {
		return Row{}, fmt.Errorf("expected %d columns, got %d", len(SummaryHeader()), len(rec))
	}
	target, err := strconv.Atoi(rec[1])
	if err != nil {
		return Row{}, fmt.Errorf("target: %w", err)
	}
	params := make(map[string]string, len(run.ParamNames))
	for i, name := range run.ParamNames {
		params[name] = rec[2+i]
	}
	rest := rec[2+len(run.ParamNames):]

	values := make([]float64, 4)
	for i, col := range []string{"effect_size", "p_value", "z_score", "q_value"} {
		if values[i], err = result.ParseFloat(rest[i]); err != nil {
			return Row{}, fmt.Errorf("%s: %w", col, err)
		}
	}
	significant, err := strconv.ParseBool(rest[4])
	if err != nil {
		return Row{}, fmt.Errorf("%s: %w", significantColumn, err)
	}
	ms, err := strconv.ParseInt(rest[5], 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("duration_ms: %w", err)
	}
	mc, _ := strconv.Atoi(params[run.ParamMCSamples])

	row := Row{
		RunResult: result.RunResult{
			RunID:      core.RunID(rec[0]),
			Target:     target,
			EffectSize: values[0],
			PValue:     values[1],
			ZScore:     values[2],
			NullModel:  run.NullModel(params[run.ParamNullModel]),
			MCSamples:  mc,
			Duration:   time.Duration(ms) * time.Millisecond,
		},
		Params:      params,
		QValue:      values[3],
		Significant: significant,
	}
	for _, f := range strings.Split(rest[6], ";") {
		if f != "" {
			row.Flags = append(row.Flags, result.Flag(f))
		}
	}
	return row, nil
}

// groupRows computes per (parameter, value, target) statistics over finite values
func groupRows(rows []Row) []Group {
	type key struct {
		param, value string
		target       int
	}
	type acc struct {
		effects, pvalues []float64
		n, significant   int
	}
	buckets := make(map[key]*acc)
	for _, r := range rows {
		for _, name := range run.ParamNames {
			k := key{name, r.Params[name], r.Target}
			a := buckets[k]
			if a == nil {
				a = &acc{}
				buckets[k] = a
			}
			a.n++
			if r.Significant {
				a.significant++
			}
			if isFinite(r.EffectSize) {
				a.effects = append(a.effects, r.EffectSize)
			}
			if isFinite(r.PValue) {
				a.pvalues = append(a.pvalues, r.PValue)
			}
		}
	}

	groups := make([]Group, 0, len(buckets))
	for k, a := range buckets {
		groups = append(groups, Group{
			Param:            k.param,
			Value:            k.value,
			Target:           k.target,
			N:                a.n,
			MeanEffect:       statOrNaN(stats.Mean, a.effects),
			MedianEffect:     statOrNaN(stats.Median, a.effects),
			StdEffect:        sampleStd(a.effects),
			MeanP:            statOrNaN(stats.Mean, a.pvalues),
			MedianP:          statOrNaN(stats.Median, a.pvalues),
			SignificantCount: a.significant,
		})
	}

	order := make(map[string]int, len(run.ParamNames))
	for i, name := range run.ParamNames {
		order[name] = i
	}
	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.Param != b.Param {
			return order[a.Param] < order[b.Param]
		}
		if a.Value != b.Value {
			return lessValue(a.Value, b.Value)
		}
		return a.Target < b.Target
	})
	return groups
}

// GroupsHeader is the column layout of summary_groups.csv
var GroupsHeader = []string{
	"parameter", "value", "target", "n",
	"mean_effect_size", "median_effect_size", "std_effect_size",
	"mean_p_value", "median_p_value", "significant",
}

func (g Group) record() []string {
	return []string{
		g.Param, g.Value, strconv.Itoa(g.Target), strconv.Itoa(g.N),
		result.FormatFloat(g.MeanEffect), result.FormatFloat(g.MedianEffect), result.FormatFloat(g.StdEffect),
		result.FormatFloat(g.MeanP), result.FormatFloat(g.MedianP), strconv.Itoa(g.SignificantCount),
	}
}

// WriteGroupsCSV writes the grouped statistics table
func (s *Summary) WriteGroupsCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(GroupsHeader); err != nil {
		return err
	}
	for _, g := range s.Groups {
		if err := cw.Write(g.record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteGroupsFile writes summary_groups.csv atomically
func (s *Summary) WriteGroupsFile(path string) error {
	var buf bytes.Buffer
	if err := s.WriteGroupsCSV(&buf); err != nil {
		return err
	}
	return filestore.WriteAtomic(path, buf.Bytes())
}

func statOrNaN(fn func(stats.Float64Data) (float64, error), data []float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	v, err := fn(data)
	if err != nil {
		return math.NaN()
	}
	return v
}

func sampleStd(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return statOrNaN(stats.StandardDeviationSample, data)
}

// lessValue orders numeric parameter values numerically and the rest lexically
func lessValue(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil && fa != fb {
		return fa < fb
	}
	return a < b
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func flagString(flags []result.Flag) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, ";")
}
