// Package audit lists alternative, non-physical explanations for every
// nominally significant result and checks each against the pre-registered
// thresholds. It reports evidence; it does not decide whether a signal is real.
package audit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"

	"phaselock/domain/core"
	"phaselock/domain/result"
	"phaselock/domain/run"
	"phaselock/domain/skymap"
	"phaselock/internal/aggregate"
	"phaselock/internal/config"
	"phaselock/internal/controls"
)

// Status of one check
type Status string

const (
	StatusPass         Status = "PASS"
	StatusFail         Status = "FAIL"
	StatusInconclusive Status = "INCONCLUSIVE"
)

// Check names
const (
	CheckMultipleTesting     = "multiple-testing inflation"
	CheckLookElsewhere       = "look-elsewhere effect"
	CheckNegativeControls    = "negative-control calibration"
	CheckPositiveControls    = "positive-control sensitivity"
	CheckScrambledReplay     = "scrambled-data replay"
	CheckPipelinePeriodicity = "pipeline-introduced periodicity"
	CheckForegroundLeakage   = "foreground leakage"
	CheckParameterDependence = "spurious parameter dependence"
	CheckEffectStability     = "effect stability"
	CheckMinimumEffect       = "minimum effect size"
)

// maxReplayRuns bounds the number of grid runs re-executed per replay check
const maxReplayRuns = 16

// Check is one alternative explanation with its quantitative test
type Check struct {
	Name      string
	Question  string
	Status    Status
	Observed  string
	Threshold string
	Detail    string
}

// Controls are the calibration tables written by run-controls
type Controls struct {
	Negative []controls.ScenarioSummary
	Positive []controls.ScenarioSummary
}

// LoadControls reads both control summary tables from resultsDir
func LoadControls(resultsDir string) (Controls, error) {
	neg, err := controls.LoadSummaries(resultsDir, result.ControlNegative)
	if err != nil {
		return Controls{}, err
	}
	pos, err := controls.LoadSummaries(resultsDir, result.ControlPositive)
	if err != nil {
		return Controls{}, err
	}
	return Controls{Negative: neg, Positive: pos}, nil
}

// Report is the audit document
type Report struct {
	GeneratedAt     core.Timestamp
	Thresholds      config.SuccessThresholds
	Runs            int
	Rows            int
	Targets         []int
	ClaimedTargets  []int
	ControlFailures []string
	Checks          []Check
	Controls        Controls
	Summary         *aggregate.Summary
}

// Check returns the check called name
func (r *Report) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// Failed reports whether any check failed
func (r *Report) Failed() bool {
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			return true
		}
	}
	return false
}

type auditor struct {
	ctx      context.Context
	summary  *aggregate.Summary
	controls Controls
	th       config.SuccessThresholds
	replayer Replayer
	claims   []aggregate.Row
}

// Build runs every check. replayer may be nil, in which case the replay
// checks are inconclusive.
func Build(ctx context.Context, summary *aggregate.Summary, ctl Controls, th config.SuccessThresholds, replayer Replayer) *Report {
	a := &auditor{ctx: ctx, summary: summary, controls: ctl, th: th, replayer: replayer}
	for _, r := range summary.Rows {
		if r.Significant && r.QValue <= th.QValue {
			a.claims = append(a.claims, r)
		}
	}

	report := &Report{
		GeneratedAt:    core.Now(),
		Thresholds:     th,
		Rows:           len(summary.Rows),
		Targets:        summary.Targets(),
		ClaimedTargets: a.claimedTargets(),
		Controls:       ctl,
		Summary:        summary,
	}
	runs := make(map[core.RunID]bool)
	for _, r := range summary.Rows {
		runs[r.RunID] = true
	}
	report.Runs = len(runs)

	for _, s := range append(append([]controls.ScenarioSummary(nil), ctl.Negative...), ctl.Positive...) {
		if s.Gating && s.Verdict == controls.VerdictFail {
			report.ControlFailures = append(report.ControlFailures,
				fmt.Sprintf("%s control %q failed: rate %s vs threshold %s",
					s.Kind, s.Scenario, formatRate(s.Rate), formatRate(s.Threshold)))
		}
	}

	report.Checks = []Check{
		a.multipleTesting(),
		a.lookElsewhere(),
		a.controlCheck(CheckNegativeControls, ctl.Negative, "false-positive rate", true),
		a.controlCheck(CheckPositiveControls, ctl.Positive, "detection rate", false),
		a.scrambledReplay(),
		a.periodicityReplay(),
		a.foregroundLeakage(),
		a.parameterDependence(),
		a.effectStability(),
		a.minimumEffect(),
	}
	return report
}

func (a *auditor) claimedTargets() []int {
	seen := make(map[int]bool)
	var targets []int
	for _, r := range a.claims {
		if !seen[r.Target] {
			seen[r.Target] = true
			targets = append(targets, r.Target)
		}
	}
	sort.Ints(targets)
	return targets
}

func (a *auditor) multipleTesting() Check {
	c := Check{
		Name:      CheckMultipleTesting,
		Question:  "Do nominal detections survive Benjamini–Hochberg correction over the whole grid?",
		Threshold: fmt.Sprintf("p <= %g raw, q <= %g corrected", a.th.PValue, a.th.QValue),
	}
	var finite, raw int
	for _, r := range a.summary.Rows {
		if !r.Finite() {
			continue
		}
		finite++
		if r.PValue <= a.th.PValue {
			raw++
		}
	}
	expected := float64(finite) * a.th.PValue
	c.Observed = fmt.Sprintf("%d raw detections of %d tests (%.2f expected by chance), %d after correction",
		raw, finite, expected, len(a.claims))
	switch {
	case raw == 0:
		c.Status = StatusInconclusive
		c.Detail = "no test crosses the raw threshold"
	case len(a.claims) == 0:
		c.Status = StatusFail
		c.Detail = "raw detections do not survive correction for the number of tests"
	default:
		c.Status = StatusPass
	}
	return c
}

func (a *auditor) lookElsewhere() Check {
	targets := a.summary.Targets()
	c := Check{
		Name:      CheckLookElsewhere,
		Question:  "Would the best p-value of a claimed target survive a search over every tested target?",
		Threshold: fmt.Sprintf("min p x %d targets <= %g", len(targets), a.th.PValue),
	}
	if len(a.claims) == 0 {
		c.Status = StatusInconclusive
		c.Observed = "no claimed target"
		return c
	}
	var parts []string
	survivors := 0
	for _, k := range a.claimedTargets() {
		best := math.Inf(1)
		for _, r := range a.summary.RowsFor(k) {
			if r.Finite() && r.PValue < best {
				best = r.PValue
			}
		}
		global := math.Min(1, best*float64(len(targets)))
		if global <= a.th.PValue {
			survivors++
		}
		parts = append(parts, fmt.Sprintf("k=%d: %.4g", k, global))
	}
	c.Observed = strings.Join(parts, ", ")
	c.Status = StatusFail
	if survivors > 0 {
		c.Status = StatusPass
	}
	return c
}

func (a *auditor) controlCheck(name string, summaries []controls.ScenarioSummary, rateName string, ceiling bool) Check {
	c := Check{Name: name}
	if ceiling {
		c.Question = "Do signal-free inputs stay below the pre-declared false-positive ceiling?"
	} else {
		c.Question = "Do injected signals reach the pre-declared detection floor?"
	}
	if len(summaries) == 0 {
		c.Status = StatusInconclusive
		c.Observed = "control catalog not run"
		return c
	}

	var parts, failed []string
	worst := math.NaN()
	for _, s := range summaries {
		if !s.Gating {
			parts = append(parts, fmt.Sprintf("%s %s (informational)", s.Scenario, formatRate(s.Rate)))
			continue
		}
		op := ">="
		if ceiling {
			op = "<="
		}
		c.Threshold = fmt.Sprintf("%s %s %s", rateName, op, formatRate(s.Threshold))
		parts = append(parts, fmt.Sprintf("%s %s", s.Scenario, formatRate(s.Rate)))
		if s.Verdict == controls.VerdictFail {
			failed = append(failed, s.Scenario)
		}
		if math.IsNaN(worst) || (ceiling && s.Rate > worst) || (!ceiling && s.Rate < worst) {
			worst = s.Rate
		}
	}
	c.Observed = fmt.Sprintf("worst %s %s; %s", rateName, formatRate(worst), strings.Join(parts, ", "))
	c.Status = StatusPass
	if len(failed) > 0 {
		c.Status = StatusFail
		c.Detail = "failed scenarios: " + strings.Join(failed, ", ")
	}
	return c
}

// replayRuns picks the runs that carry claims, or the first run when there are none
func (a *auditor) replayRuns() []core.RunID {
	seen := make(map[core.RunID]bool)
	var ids []core.RunID
	for _, r := range a.claims {
		if !seen[r.RunID] {
			seen[r.RunID] = true
			ids = append(ids, r.RunID)
		}
	}
	if len(ids) == 0 && len(a.summary.Rows) > 0 {
		ids = append(ids, a.summary.Rows[0].RunID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > maxReplayRuns {
		ids = ids[:maxReplayRuns]
	}
	return ids
}

func (a *auditor) replayCheck(c Check, req ReplayRequest) Check {
	c.Threshold = fmt.Sprintf("no replayed test significant at q <= %g", a.th.FDRLevel)
	if a.replayer == nil {
		c.Status = StatusInconclusive
		c.Observed = "not replayed"
		c.Detail = "replays need an engine; pass the grid configuration"
		return c
	}
	if len(req.RunIDs) == 0 {
		c.Status = StatusInconclusive
		c.Observed = "no runs to replay"
		return c
	}
	rows, err := a.replayer.Replay(a.ctx, req)
	if err != nil {
		c.Status = StatusInconclusive
		c.Observed = "replay failed"
		c.Detail = err.Error()
		return c
	}
	if len(rows) == 0 {
		c.Status = StatusInconclusive
		c.Observed = "replay produced no rows"
		return c
	}

	p := make([]float64, len(rows))
	for i, r := range rows {
		p[i] = r.PValue
	}
	_, significant := aggregate.BenjaminiHochberg(p, a.th.FDRLevel)
	var hits []string
	for i, s := range significant {
		if s {
			hits = append(hits, fmt.Sprintf("run %s k=%d p=%.3g", rows[i].RunID, rows[i].Target, rows[i].PValue))
		}
	}
	c.Observed = fmt.Sprintf("%d of %d replayed tests significant", len(hits), len(rows))
	c.Status = StatusPass
	if len(hits) > 0 {
		c.Status = StatusFail
		c.Detail = strings.Join(hits, "; ")
	}
	return c
}

func (a *auditor) scrambledReplay() Check {
	return a.replayCheck(Check{
		Name:     CheckScrambledReplay,
		Question: "Does the pipeline still find coherence after the samples of every ring are permuted?",
	}, ReplayRequest{Name: "scrambled-data", RunIDs: a.replayRuns(), Transform: run.TransformScramble})
}

func (a *auditor) periodicityReplay() Check {
	return a.replayCheck(Check{
		Name:     CheckPipelinePeriodicity,
		Question: "Does Gaussian noise of the same shape and variance produce coherence at the tested targets?",
	}, ReplayRequest{Name: "pure-noise", RunIDs: a.replayRuns(), PureNoise: true})
}

func (a *auditor) foregroundLeakage() Check {
	c := Check{
		Name:     CheckForegroundLeakage,
		Question: "Are neighbouring harmonics (k±1, k±2) coherent too, as a broadband foreground would be?",
	}
	if len(a.claims) == 0 {
		c.Status = StatusInconclusive
		c.Observed = "no claimed target"
		return c
	}

	claimed := make(map[core.RunID]map[int]bool)
	tapered := make(map[core.RunID]bool)
	for _, r := range a.claims {
		if claimed[r.RunID] == nil {
			claimed[r.RunID] = make(map[int]bool)
		}
		claimed[r.RunID][r.Target] = true
		tapered[r.RunID] = r.Param(run.ParamWindowFunction) != string(skymap.WindowNone)
	}

	req := ReplayRequest{Name: "sidebands", Targets: make(map[core.RunID][]int)}
	for _, id := range a.replayRuns() {
		offsets := []int{-2, -1, 1, 2}
		if tapered[id] {
			// adjacent bins share the taper's main lobe
			offsets = []int{-2, 2}
		}
		var sidebands []int
		seen := make(map[int]bool)
		for k := range claimed[id] {
			for _, d := range offsets {
				s := k + d
				if s > 0 && !claimed[id][s] && !seen[s] {
					seen[s] = true
					sidebands = append(sidebands, s)
				}
			}
		}
		if len(sidebands) == 0 {
			continue
		}
		sort.Ints(sidebands)
		req.RunIDs = append(req.RunIDs, id)
		req.Targets[id] = sidebands
	}
	return a.replayCheck(c, req)
}

func (a *auditor) parameterDependence() Check {
	c := Check{
		Name:      CheckParameterDependence,
		Question:  "Is each claimed target significant for every value of every swept parameter?",
		Threshold: "at least one significant run per swept value",
	}
	if len(a.claims) == 0 {
		c.Status = StatusInconclusive
		c.Observed = "no claimed target"
		return c
	}

	values := make(map[string]map[string]bool)
	for _, r := range a.summary.Rows {
		for name, v := range r.Params {
			if values[name] == nil {
				values[name] = make(map[string]bool)
			}
			values[name][v] = true
		}
	}
	claimed := make(map[int]bool)
	for _, k := range a.claimedTargets() {
		claimed[k] = true
	}

	var fragile []string
	swept := 0
	for _, g := range a.summary.Groups {
		if len(values[g.Param]) < 2 || !claimed[g.Target] {
			continue
		}
		swept++
		if g.SignificantCount == 0 {
			fragile = append(fragile, fmt.Sprintf("k=%d %s=%s (0/%d)", g.Target, g.Param, g.Value, g.N))
		}
	}
	if swept == 0 {
		c.Status = StatusInconclusive
		c.Observed = "no parameter was swept over more than one value"
		return c
	}
	c.Observed = fmt.Sprintf("%d of %d (target, parameter value) groups without a significant run", len(fragile), swept)
	c.Status = StatusPass
	if len(fragile) > 0 {
		c.Status = StatusFail
		c.Detail = strings.Join(fragile, "; ")
	}
	return c
}

// effectStability compares the mean effect of the claimed targets; with a
// single claimed target the spread of its effect across grid points is used.
func (a *auditor) effectStability() Check {
	c := Check{
		Name:      CheckEffectStability,
		Question:  "Do claimed targets agree on the size of the effect?",
		Threshold: fmt.Sprintf("discrepancy <= %g", a.th.MaxTargetDiscrepancy),
	}
	targets := a.claimedTargets()
	if len(targets) == 0 {
		c.Status = StatusInconclusive
		c.Observed = "no claimed target"
		return c
	}

	var discrepancy float64
	if len(targets) == 1 {
		effects := finiteEffects(a.summary.RowsFor(targets[0]))
		if len(effects) == 0 {
			c.Status = StatusInconclusive
			c.Observed = "no finite effect size"
			return c
		}
		lo, _ := stats.Min(effects)
		hi, _ := stats.Max(effects)
		discrepancy = hi - lo
		c.Observed = fmt.Sprintf("k=%d effect spread across %d grid points: %.4f", targets[0], len(effects), discrepancy)
	} else {
		var means []float64
		var parts []string
		for _, k := range targets {
			m, err := stats.Mean(finiteEffects(a.summary.RowsFor(k)))
			if err != nil {
				continue
			}
			means = append(means, m)
			parts = append(parts, fmt.Sprintf("k=%d %.4f", k, m))
		}
		if len(means) < 2 {
			c.Status = StatusInconclusive
			c.Observed = "fewer than two claimed targets with finite effects"
			return c
		}
		lo, _ := stats.Min(means)
		hi, _ := stats.Max(means)
		discrepancy = hi - lo
		c.Observed = fmt.Sprintf("max discrepancy %.4f (%s)", discrepancy, strings.Join(parts, ", "))
	}
	c.Status = StatusPass
	if discrepancy > a.th.MaxTargetDiscrepancy {
		c.Status = StatusFail
	}
	return c
}

func (a *auditor) minimumEffect() Check {
	c := Check{
		Name:      CheckMinimumEffect,
		Question:  "Are claimed effects large enough to matter?",
		Threshold: fmt.Sprintf("mean effect size >= %g", a.th.MinEffectSize),
	}
	targets := a.claimedTargets()
	if len(targets) == 0 {
		c.Status = StatusInconclusive
		c.Observed = "no claimed target"
		return c
	}
	var parts, small []string
	for _, k := range targets {
		var effects []float64
		for _, r := range a.claims {
			if r.Target == k && !math.IsNaN(r.EffectSize) {
				effects = append(effects, r.EffectSize)
			}
		}
		m, err := stats.Mean(effects)
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("k=%d %.4f", k, m))
		if m < a.th.MinEffectSize {
			small = append(small, fmt.Sprintf("k=%d", k))
		}
	}
	c.Observed = strings.Join(parts, ", ")
	c.Status = StatusPass
	if len(small) > 0 {
		c.Status = StatusFail
		c.Detail = "below threshold: " + strings.Join(small, ", ")
	}
	return c
}

func finiteEffects(rows []aggregate.Row) []float64 {
	var out []float64
	for _, r := range rows {
		if !math.IsNaN(r.EffectSize) && !math.IsInf(r.EffectSize, 0) {
			out = append(out, r.EffectSize)
		}
	}
	return out
}

func formatRate(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.3f", v)
}
