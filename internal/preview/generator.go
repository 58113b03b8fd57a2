package preview

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const diffMaxContentSize = 10 * 1024 * 1024

// DiffResult contains a generated unified diff and its statistics.
type DiffResult struct {
	UnifiedDiff  string
	AddedLines   int
	DeletedLines int
	IsBinary     bool
}

// GenerateUnified creates a unified diff between old and new content.
func GenerateUnified(oldContent, newContent, filename string) *DiffResult {
	if oldContent == newContent {
		return &DiffResult{}
	}

	if isBinary(oldContent) || isBinary(newContent) {
		return &DiffResult{
			UnifiedDiff: fmt.Sprintf("Binary file %s has changed", filename),
			IsBinary:    true,
		}
	}

	if len(oldContent) > diffMaxContentSize || len(newContent) > diffMaxContentSize {
		return &DiffResult{
			UnifiedDiff: fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ Large file, diff skipped @@", filename, filename),
		}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldContent, newContent, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	patches := dmp.PatchMake(oldContent, diffs)
	patchText := dmp.PatchToText(patches)
	if len(patches) == 0 || patchText == "" {
		return generateLineDiff(oldContent, newContent, filename)
	}

	added, deleted := countChanges(diffs)
	return &DiffResult{
		UnifiedDiff:  formatUnifiedDiff(patchText, filename),
		AddedLines:   added,
		DeletedLines: deleted,
	}
}

// FormatSummary returns a human-readable change summary.
func (dr *DiffResult) FormatSummary() string {
	if dr.IsBinary {
		return "Binary file changed"
	}
	if dr.AddedLines == 0 && dr.DeletedLines == 0 {
		return "No changes"
	}
	var parts []string
	if dr.AddedLines > 0 {
		parts = append(parts, fmt.Sprintf("+%d lines", dr.AddedLines))
	}
	if dr.DeletedLines > 0 {
		parts = append(parts, fmt.Sprintf("-%d lines", dr.DeletedLines))
	}
	return strings.Join(parts, ", ")
}

func generateLineDiff(oldContent, newContent, filename string) *DiffResult {
	oldLines := strings.Split(oldContent, "\n")
	newLines := strings.Split(newContent, "\n")

	var body strings.Builder
	added, deleted := 0, 0
	oldIdx, newIdx := 0, 0

	for oldIdx < len(oldLines) || newIdx < len(newLines) {
		switch {
		case oldIdx >= len(oldLines):
			body.WriteString("+" + newLines[newIdx] + "\n")
			added++
			newIdx++
		case newIdx >= len(newLines):
			body.WriteString("-" + oldLines[oldIdx] + "\n")
			deleted++
			oldIdx++
		case oldLines[oldIdx] == newLines[newIdx]:
			body.WriteString(" " + oldLines[oldIdx] + "\n")
			oldIdx++
			newIdx++
		default:
			body.WriteString("-" + oldLines[oldIdx] + "\n")
			body.WriteString("+" + newLines[newIdx] + "\n")
			deleted++
			added++
			oldIdx++
			newIdx++
		}
	}

	header := fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ -%d,%d +%d,%d @@\n",
		filename, filename, 1, len(oldLines), 1, len(newLines))

	return &DiffResult{
		UnifiedDiff:  header + body.String(),
		AddedLines:   added,
		DeletedLines: deleted,
	}
}

func formatUnifiedDiff(patchText, filename string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", filename, filename)
	for _, line := range strings.Split(patchText, "\n") {
		if line != "" {
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

func countChanges(diffs []diffmatchpatch.Diff) (added, deleted int) {
	for _, diff := range diffs {
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			added += strings.Count(diff.Text, "\n")
			if !strings.HasSuffix(diff.Text, "\n") {
				added++
			}
		case diffmatchpatch.DiffDelete:
			deleted += strings.Count(diff.Text, "\n")
			if !strings.HasSuffix(diff.Text, "\n") {
				deleted++
			}
		}
	}
	return
}

func isBinary(content string) bool {
	checkLen := min(len(content), 8000)
	for i := 0; i < checkLen; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}
