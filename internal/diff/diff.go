// Package diff renders unified line diffs between stored asset versions.
package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// maxInputBytes caps the payload size handed to the diff engine. Larger
// versions get a placeholder instead of a multi-second diff.
const maxInputBytes = 10 * 1024 * 1024

// Differ produces unified diffs, optionally colorized for terminals.
type Differ struct {
	contextLines int
	colorEnabled bool
}

// New creates a differ emitting the given number of context lines around
// each hunk.
func New(contextLines int, colorEnabled bool) *Differ {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Differ{contextLines: contextLines, colorEnabled: colorEnabled}
}

// Result is a rendered comparison between two versions of an asset.
type Result struct {
	Text         string
	AddedLines   int
	DeletedLines int
	IsBinary     bool
}

// Summary returns a one-line description of the change volume.
func (r *Result) Summary() string {
	if r.IsBinary {
		return "Binary content changed"
	}
	if r.AddedLines == 0 && r.DeletedLines == 0 {
		return "No changes"
	}
	parts := []string{}
	if r.AddedLines > 0 {
		parts = append(parts, fmt.Sprintf("+%d lines", r.AddedLines))
	}
	if r.DeletedLines > 0 {
		parts = append(parts, fmt.Sprintf("-%d lines", r.DeletedLines))
	}
	return strings.Join(parts, ", ")
}

// Unified compares two versions line by line. Identical inputs produce an
// empty Text, binary payloads set IsBinary instead of producing a diff.
func (d *Differ) Unified(oldLabel, newLabel, oldContent, newContent string) Result {
	if oldContent == newContent {
		return Result{}
	}
	if isBinary(oldContent) || isBinary(newContent) {
		return Result{
			Text:     fmt.Sprintf("Binary content changed between %s and %s", oldLabel, newLabel),
			IsBinary: true,
		}
	}
	if len(oldContent) > maxInputBytes || len(newContent) > maxInputBytes {
		return Result{
			Text: d.colorize("--- "+oldLabel+"\n", color.FgRed) +
				d.colorize("+++ "+newLabel+"\n", color.FgGreen) +
				"@@ content exceeds 10MB, diff skipped @@\n",
		}
	}

	dmp := diffmatchpatch.New()
	oldRunes, newRunes, lineIndex := dmp.DiffLinesToRunes(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(oldRunes, newRunes, false), lineIndex)

	lines := numberLines(diffs)
	return d.render(oldLabel, newLabel, lines)
}

// numberedLine is one source line tagged with its position in the old and
// new version.
type numberedLine struct {
	op      diffmatchpatch.Operation
	text    string
	oldLine int
	newLine int
}

func numberLines(diffs []diffmatchpatch.Diff) []numberedLine {
	var lines []numberedLine
	oldLine, newLine := 1, 1
	for _, part := range diffs {
		for _, text := range splitLines(part.Text) {
			lines = append(lines, numberedLine{op: part.Type, text: text, oldLine: oldLine, newLine: newLine})
			switch part.Type {
			case diffmatchpatch.DiffDelete:
				oldLine++
			case diffmatchpatch.DiffInsert:
				newLine++
			default:
				oldLine++
				newLine++
			}
		}
	}
	return lines
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && strings.HasSuffix(text, "\n") {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// render walks the numbered lines and groups changes into hunks, bridging
// equal runs shorter than twice the context window.
func (d *Differ) render(oldLabel, newLabel string, lines []numberedLine) Result {
	var b strings.Builder
	b.WriteString(d.colorize("--- "+oldLabel+"\n", color.FgRed))
	b.WriteString(d.colorize("+++ "+newLabel+"\n", color.FgGreen))

	added, deleted := 0, 0
	i := 0
	for i < len(lines) {
		if lines[i].op == diffmatchpatch.DiffEqual {
			i++
			continue
		}

		start := maxInt(i-d.contextLines, 0)
		end := i + 1
		j := i + 1
		for j < len(lines) {
			if lines[j].op != diffmatchpatch.DiffEqual {
				end = j + 1
				j++
				continue
			}
			k := j
			for k < len(lines) && lines[k].op == diffmatchpatch.DiffEqual {
				k++
			}
			if k < len(lines) && k-j <= 2*d.contextLines {
				j = k
				continue
			}
			break
		}
		stop := minInt(end+d.contextLines, len(lines))

		oldCount, newCount := 0, 0
		for _, line := range lines[start:stop] {
			switch line.op {
			case diffmatchpatch.DiffDelete:
				oldCount++
			case diffmatchpatch.DiffInsert:
				newCount++
			default:
				oldCount++
				newCount++
			}
		}
		header := fmt.Sprintf("@@ -%d,%d +%d,%d @@\n", lines[start].oldLine, oldCount, lines[start].newLine, newCount)
		b.WriteString(d.colorize(header, color.FgCyan))

		for _, line := range lines[start:stop] {
			switch line.op {
			case diffmatchpatch.DiffDelete:
				deleted++
				b.WriteString(d.colorize("-"+line.text+"\n", color.FgRed))
			case diffmatchpatch.DiffInsert:
				added++
				b.WriteString(d.colorize("+"+line.text+"\n", color.FgGreen))
			default:
				b.WriteString(" " + line.text + "\n")
			}
		}
		i = stop
	}

	return Result{Text: b.String(), AddedLines: added, DeletedLines: deleted}
}

func (d *Differ) colorize(text string, attr color.Attribute) string {
	if !d.colorEnabled {
		return text
	}
	return color.New(attr).Sprint(text)
}

// isBinary checks the first 8000 bytes for null bytes.
func isBinary(content string) bool {
	checkLen := minInt(len(content), 8000)
	for i := 0; i < checkLen; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
