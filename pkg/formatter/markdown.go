package formatter

import (
	"fmt"
	"strings"
	"time"

	"github.com/kataras/filemaker-extractor/pkg/extractor"
)

// ToMarkdown renders an extraction summary as a markdown report: a run
// overview, one status line per table and the column layout of every
// extracted table.
func ToMarkdown(s *extractor.Summary) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# FileMaker Extraction - %s\n\n", s.Database))
	sb.WriteString(fmt.Sprintf("- Run: `%s`\n", s.RunID))
	if s.Endpoint != "" {
		sb.WriteString(fmt.Sprintf("- Endpoint: %s\n", s.Endpoint))
	}
	if !s.StartedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("- Started: %s\n", s.StartedAt.UTC().Format(time.RFC3339)))
	}
	sb.WriteString(fmt.Sprintf("- Duration: %s\n", s.Duration.Round(time.Millisecond)))
	sb.WriteString(fmt.Sprintf("- Tables: %d (%d failed)\n", len(s.Tables), len(s.Failed())))
	sb.WriteString(fmt.Sprintf("- Rows: %d\n\n", s.TotalRows()))

	if len(s.Tables) == 0 {
		return sb.String()
	}

	sb.WriteString("## Tables\n\n")
	sb.WriteString("| Table | Layout | Rows | Pages | Watermark | Status |\n")
	sb.WriteString("|---|---|---:|---:|---:|---|\n")
	for _, t := range s.Tables {
		status := "ok"
		if t.Err != nil {
			status = "failed: " + escapeCell(t.Err.Error())
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %d | %d | %s | %s |\n",
			escapeCell(t.Schema.ID), escapeCell(t.Schema.Layout), t.Rows, t.Pages, watermark(t), status))
	}
	sb.WriteString("\n")

	sb.WriteString("## Columns\n\n")
	for _, t := range s.Tables {
		sb.WriteString(fmt.Sprintf("### %s\n\n", t.Schema.Alias))
		if t.Schema.IncrementColumnID != "" {
			sb.WriteString(fmt.Sprintf("Incremental on `%s`.\n\n", t.Schema.IncrementColumnID))
		}
		sb.WriteString("| Column | Source | Type |\n")
		sb.WriteString("|---|---|---|\n")
		for _, c := range t.Schema.Columns {
			source := c.Source
			if source == "" {
				source = "-"
			}
			sb.WriteString(fmt.Sprintf("| `%s` | %s | %s |\n", c.ID, escapeCell(source), c.Type))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func watermark(t extractor.TableReport) string {
	if t.StartWatermark == t.Watermark {
		return fmt.Sprintf("%d", t.Watermark)
	}
	return fmt.Sprintf("%d → %d", t.StartWatermark, t.Watermark)
}

func escapeCell(s string) string {
	return strings.NewReplacer("|", `\|`, "\n", " ").Replace(s)
}
