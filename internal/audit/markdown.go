package audit

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"

	"phaselock/adapters/filestore"
)

// Output file names
const (
	MarkdownFile = "audit_report.md"
	HTMLFile     = "audit_report.html"
)

const disclaimer = "This report lists alternative explanations and the evidence against each. " +
	"Passing every check does not establish a physical signal; failing one does not rule it out."

// Markdown renders the report
func (r *Report) Markdown() []byte {
	var b bytes.Buffer
	b.WriteString("# Phase-lock audit report\n\n")

	if len(r.ControlFailures) > 0 {
		b.WriteString("> **CONTROL FAILURE.** The calibration controls failed; treat every result below as unreliable.\n>\n")
		for _, f := range r.ControlFailures {
			fmt.Fprintf(&b, "> - %s\n", f)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Generated %s.\n\n", r.GeneratedAt)
	fmt.Fprintf(&b, "- Runs: %d\n- Tests (run, target): %d\n- Targets: %s\n- Claimed targets: %s\n\n",
		r.Runs, r.Rows, joinInts(r.Targets), joinInts(r.ClaimedTargets))

	b.WriteString("## Thresholds\n\n| threshold | value |\n|---|---|\n")
	fmt.Fprintf(&b, "| p_value | %g |\n| q_value | %g |\n| fdr_level | %g |\n| min_effect_size | %g |\n| max_target_discrepancy | %g |\n\n",
		r.Thresholds.PValue, r.Thresholds.QValue, r.Thresholds.FDRLevel,
		r.Thresholds.MinEffectSize, r.Thresholds.MaxTargetDiscrepancy)

	b.WriteString("## Alternative explanations\n\n| check | status | observed | threshold |\n|---|---|---|---|\n")
	for _, c := range r.Checks {
		fmt.Fprintf(&b, "| %s | **%s** | %s | %s |\n", c.Name, c.Status, cell(c.Observed), cell(c.Threshold))
	}
	b.WriteString("\n")

	for _, c := range r.Checks {
		fmt.Fprintf(&b, "### %s\n\n%s\n\nStatus: **%s**. Observed: %s.\n", c.Name, c.Question, c.Status, orDash(c.Observed))
		if c.Threshold != "" {
			fmt.Fprintf(&b, "Threshold: %s.\n", c.Threshold)
		}
		if c.Detail != "" {
			fmt.Fprintf(&b, "\n%s\n", c.Detail)
		}
		b.WriteString("\n")
	}

	if len(r.Controls.Negative)+len(r.Controls.Positive) > 0 {
		b.WriteString("## Controls\n\n| scenario | kind | gating | tests | detections | rate | threshold | verdict |\n|---|---|---|---|---|---|---|---|\n")
		for _, s := range append(append(r.Controls.Negative[:0:0], r.Controls.Negative...), r.Controls.Positive...) {
			fmt.Fprintf(&b, "| %s | %s | %t | %d | %d | %s | %s | %s |\n",
				s.Scenario, s.Kind, s.Gating, s.Tests, s.Detections, formatRate(s.Rate), formatRate(s.Threshold), s.Verdict)
		}
		b.WriteString("\n")
	}

	if r.Summary != nil && len(r.ClaimedTargets) > 0 {
		b.WriteString("## Claimed detections\n\n| run | target | effect | p | q |\n|---|---|---|---|---|\n")
		for _, row := range r.Summary.Rows {
			if row.Significant && row.QValue <= r.Thresholds.QValue {
				fmt.Fprintf(&b, "| %s | %d | %.4f | %.4g | %.4g |\n", row.RunID, row.Target, row.EffectSize, row.PValue, row.QValue)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("---\n\n_" + disclaimer + "_\n")
	return b.Bytes()
}

// HTML renders the Markdown report as a standalone page
func (r *Report) HTML() []byte {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	renderer := html.NewRenderer(html.RendererOptions{
		Flags: html.CommonFlags | html.CompletePage,
		Title: "Phase-lock audit report",
	})
	return markdown.ToHTML(r.Markdown(), p, renderer)
}

// WriteFiles writes the Markdown report to mdPath and, when withHTML is
// set, the HTML page next to it. It returns the written paths.
func (r *Report) WriteFiles(mdPath string, withHTML bool) ([]string, error) {
	if err := filestore.WriteAtomic(mdPath, r.Markdown()); err != nil {
		return nil, err
	}
	paths := []string{mdPath}
	if withHTML {
		htmlPath := strings.TrimSuffix(mdPath, filepath.Ext(mdPath)) + ".html"
		if err := filestore.WriteAtomic(htmlPath, r.HTML()); err != nil {
			return paths, err
		}
		paths = append(paths, htmlPath)
	}
	return paths, nil
}

func joinInts(v []int) string {
	if len(v) == 0 {
		return "none"
	}
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ", ")
}

func cell(s string) string {
	return strings.ReplaceAll(orDash(s), "|", "\\|")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
