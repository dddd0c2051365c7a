// Package report renders run history as a markdown document with a summary
// table, a status distribution chart, and a per-run listing.
package report

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/imagecrawl/imagecrawl/internal/history"
)

// statusOrder fixes the rendering order so reports are stable across runs.
var statusOrder = []history.RunStatus{
	history.StatusSucceeded,
	history.StatusFailed,
	history.StatusCancelled,
	history.StatusRunning,
	history.StatusQueued,
}

var statusLabels = map[history.RunStatus]string{
	history.StatusSucceeded: "✅ succeeded",
	history.StatusFailed:    "❌ failed",
	history.StatusCancelled: "⚠️ cancelled",
	history.StatusRunning:   "🔄 running",
	history.StatusQueued:    "⏳ queued",
}

// Write renders records to out. Records are listed in the order given, which
// for store listings means newest first.
func Write(out io.Writer, records []history.RunRecord) error {
	md := markdown.NewMarkdown(out)

	md.H1("Image Crawl Run Report")
	md.PlainText("")

	counts := countByStatus(records)
	writeSummary(md, records, counts)
	if len(records) > 0 {
		writePieChart(md, counts)
		writeRuns(md, records)
	}
	writeVerdict(md, counts)

	md.HorizontalRule()
	md.PlainText("*Generated by imagecrawl*")
	return md.Build()
}

func countByStatus(records []history.RunRecord) map[history.RunStatus]int {
	counts := make(map[history.RunStatus]int, len(statusOrder))
	for _, rec := range records {
		counts[rec.Status]++
	}
	return counts
}

func writeSummary(md *markdown.Markdown, records []history.RunRecord, counts map[history.RunStatus]int) {
	md.H2("Summary")
	md.PlainText("")

	var images int64
	for _, rec := range records {
		images += rec.TotalImages
	}

	rows := [][]string{
		{"Runs", strconv.Itoa(len(records))},
		{"Images downloaded", strconv.FormatInt(images, 10)},
	}
	for _, status := range statusOrder {
		if counts[status] == 0 {
			continue
		}
		rows = append(rows, []string{statusLabels[status], strconv.Itoa(counts[status])})
	}

	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows:   rows,
	})
	md.PlainText("")
}

func writePieChart(md *markdown.Markdown, counts map[history.RunStatus]int) {
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Run Status Distribution"),
		piechart.WithShowData(true),
	)
	for _, status := range statusOrder {
		if counts[status] == 0 {
			continue
		}
		chart.LabelAndIntValue(string(status), uint64(counts[status]))
	}

	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func writeRuns(md *markdown.Markdown, records []history.RunRecord) {
	md.H2("Runs")
	md.PlainText("")

	rows := make([][]string, len(records))
	for i, rec := range records {
		elapsed := time.Duration(rec.ElapsedMS) * time.Millisecond
		errText := "-"
		if rec.Error != nil && *rec.Error != "" {
			errText = truncate(*rec.Error, 40)
		}
		rows[i] = []string{
			shortID(rec.ID.String()),
			truncate(rec.RootURI, 60),
			string(rec.Status),
			strconv.FormatInt(rec.TotalImages, 10),
			elapsed.String(),
			rec.StartedAt.UTC().Format("2006-01-02 15:04:05"),
			errText,
		}
	}

	md.Table(markdown.TableSet{
		Header: []string{"Run", "Root URI", "Status", "Images", "Elapsed", "Started (UTC)", "Error"},
		Rows:   rows,
	})
	md.PlainText("")
}

func writeVerdict(md *markdown.Markdown, counts map[history.RunStatus]int) {
	total := 0
	for _, n := range counts {
		total += n
	}
	switch {
	case total == 0:
		md.Note("No runs recorded yet.")
	case counts[history.StatusFailed] > 0:
		md.Warningf("%d run(s) failed; see the error column.", counts[history.StatusFailed])
	case counts[history.StatusCancelled] > 0:
		md.Note(fmt.Sprintf("%d run(s) were cancelled before completing.", counts[history.StatusCancelled]))
	default:
		md.Tip("Every recorded run completed cleanly.")
	}
	md.PlainText("")
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
