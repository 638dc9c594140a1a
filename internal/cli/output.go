// Package cli provides CLI output helpers for Tsunagu.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hyperjump/tsunagu/internal/models"
	"github.com/hyperjump/tsunagu/internal/pipeline"
	"github.com/hyperjump/tsunagu/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// WriteBatchReport writes a relink batch report to w in the given format.
func WriteBatchReport(w io.Writer, report *pipeline.BatchReport, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintf(w, "\nRelink run %s: %d processed, %d skipped, %d failed in %s\n",
		report.RunID, report.Processed, report.Skipped, report.Failed, report.Duration.Round(1e6))
	for _, c := range report.Concepts {
		switch {
		case c.Error != "":
			fmt.Fprintf(w, "  ✗ %s: %s\n", c.Identity, utils.Truncate(c.Error, 120))
		case c.Skipped:
			// Skips are the common case on incremental runs; stay quiet.
		default:
			marker := "✓"
			if c.Degraded {
				marker = "~"
			}
			fmt.Fprintf(w, "  %s %s: +%d -%d edges\n", marker, c.Identity, c.Added, c.Removed)
		}
	}
	return nil
}

// WriteEdges writes a concept's edges to w in the given format.
func WriteEdges(w io.Writer, identity string, edges []models.LinkEdge, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(edges)
	}
	if len(edges) == 0 {
		fmt.Fprintf(w, "No edges for %s\n", identity)
		return nil
	}
	fmt.Fprintf(w, "\n%d edges for %s:\n", len(edges), identity)
	for _, e := range edges {
		other := e.Other(identity)
		if other == "" {
			other = e.A + " / " + e.B
		}
		fmt.Fprintf(w, "  %-10s %.3f  %s\n", e.Provenance, e.Score, other)
	}
	return nil
}

// WriteScanReport writes a vault scan report to w in the given format.
func WriteScanReport(w io.Writer, scanned, created, updated, curated int, conflicts []string, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"scanned":       scanned,
			"created":       created,
			"updated":       updated,
			"curated_edges": curated,
			"conflicts":     conflicts,
		})
	}
	fmt.Fprintf(w, "Scanned %d notes: %d created, %d updated, %d curated edges\n",
		scanned, created, updated, curated)
	for _, identity := range conflicts {
		fmt.Fprintf(w, "  conflict: %s\n", identity)
	}
	return nil
}
