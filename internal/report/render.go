package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"gopkg.in/yaml.v3"
)

// Format selects a report encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat accepts table, json, or yaml in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	}
	return "", eris.Errorf("report: unknown format %q", s)
}

var domainHeader = []string{
	"DOMAIN", "TOTAL", "SUCCESS", "AVG MS", "AVG TOKENS", "AVG COST",
	"COMPLETE", "STRUCTURED", "OPTIMAL", "UPDATED",
}

func (r DomainRow) cells() []string {
	optimal := "-"
	if r.OptimalStrategy != "" {
		optimal = r.OptimalStrategy + "/" + r.OptimalProvider
	}
	cost := r.AvgCost
	if cost == "" {
		cost = "unknown"
	}
	return []string{
		r.Domain,
		fmt.Sprintf("%d", r.Total),
		fmt.Sprintf("%.0f%%", r.SuccessRate*100),
		fmt.Sprintf("%.0f", r.AvgDurationMs),
		fmt.Sprintf("%.0f", r.AvgTokens),
		cost,
		fmt.Sprintf("%.2f", r.AvgCompleteness),
		fmt.Sprintf("%.0f%%", r.StructuredPct),
		optimal,
		r.LastUpdated.Format(time.RFC3339),
	}
}

// WriteDomains renders rows in the given format.
func WriteDomains(w io.Writer, rows []DomainRow, f Format) error {
	switch f {
	case FormatJSON:
		return writeJSON(w, rows)
	case FormatYAML:
		return writeYAML(w, rows)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(domainHeader, "\t"))
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r.cells(), "\t"))
	}
	return eris.Wrap(tw.Flush(), "report: flush table")
}

// WriteSnapshot renders a snapshot in the given format.
func WriteSnapshot(w io.Writer, s *Snapshot, f Format) error {
	switch f {
	case FormatJSON:
		return writeJSON(w, s)
	case FormatYAML:
		return writeYAML(w, s)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Window\t%dh\n", s.LookbackHours)
	fmt.Fprintf(tw, "Requests\t%d\n", s.Total)
	fmt.Fprintf(tw, "Success rate\t%.1f%%\n", s.SuccessRate*100)
	fmt.Fprintf(tw, "Fallback rate\t%.1f%%\n", s.FallbackRate*100)
	fmt.Fprintf(tw, "Optimal rate\t%.1f%%\n", s.OptimalRate*100)
	fmt.Fprintf(tw, "Avg duration\t%.0fms\n", s.AvgDurationMs)
	fmt.Fprintf(tw, "Avg completeness\t%.2f\n", s.AvgCompleteness)
	fmt.Fprintf(tw, "Total cost\t$%s (%d unknown)\n", s.TotalCost.StringFixed(6), s.UnknownCost)
	for strategy, n := range s.ByFinalStrategy {
		fmt.Fprintf(tw, "Final %s\t%d\n", strategy, n)
	}
	for class, n := range s.ByErrorClass {
		fmt.Fprintf(tw, "Error %s\t%d\n", class, n)
	}
	return eris.Wrap(tw.Flush(), "report: flush table")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "report: encode json")
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "report: encode yaml")
	}
	return eris.Wrap(enc.Close(), "report: close yaml encoder")
}

// WriteXLSX writes the domain rows to a single-sheet workbook. Numeric
// columns are stored as numbers.
func WriteXLSX(w io.Writer, rows []DomainRow) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Domains")
	if err != nil {
		return eris.Wrap(err, "report: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range domainHeader {
		header.AddCell().SetString(h)
	}
	for _, r := range rows {
		row := sheet.AddRow()
		row.AddCell().SetString(r.Domain)
		row.AddCell().SetInt(r.Total)
		row.AddCell().SetFloat(r.SuccessRate)
		row.AddCell().SetFloat(r.AvgDurationMs)
		row.AddCell().SetFloat(r.AvgTokens)
		row.AddCell().SetString(r.AvgCost)
		row.AddCell().SetFloat(r.AvgCompleteness)
		row.AddCell().SetFloat(r.StructuredPct)
		row.AddCell().SetString(strings.Trim(r.OptimalStrategy+"/"+r.OptimalProvider, "/"))
		row.AddCell().SetString(r.LastUpdated.UTC().Format(time.RFC3339))
	}

	return eris.Wrap(f.Write(w), "report: write xlsx")
}
