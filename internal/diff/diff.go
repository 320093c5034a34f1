// Package diff renders line diffs between successive recipe drafts so the
// conversation can show the user exactly what a rebuild changed.
package diff

import (
	"encoding/json"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type Line struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

type Hunk struct {
	Lines []Line `json:"lines"`
}

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

// Documents diffs two JSON-serializable documents by comparing their
// indented serializations line by line.
func Documents(before, after any) ([]Hunk, error) {
	beforeText, err := marshal(before)
	if err != nil {
		return nil, err
	}
	afterText, err := marshal(after)
	if err != nil {
		return nil, err
	}
	return Text(beforeText, afterText), nil
}

func marshal(doc any) (string, error) {
	if doc == nil {
		return "", nil
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}

// Text diffs two texts line by line.
func Text(before, after string) []Hunk {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var lines []Line
	oldLine := 1
	newLine := 1
	for _, d := range diffs {
		chunkLines := strings.Split(d.Text, "\n")
		if len(chunkLines) > 0 && chunkLines[len(chunkLines)-1] == "" {
			chunkLines = chunkLines[:len(chunkLines)-1]
		}
		for _, line := range chunkLines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				lines = append(lines, Line{Type: LineContext, Text: line, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				lines = append(lines, Line{Type: LineRemoved, Text: line, OldLine: oldLine})
				oldLine++
			case diffmatchpatch.DiffInsert:
				lines = append(lines, Line{Type: LineAdded, Text: line, NewLine: newLine})
				newLine++
			}
		}
	}
	return []Hunk{{Lines: lines}}
}

// Changed reports whether any hunk contains a non-context line.
func Changed(hunks []Hunk) bool {
	for _, hunk := range hunks {
		for _, line := range hunk.Lines {
			if line.Type != LineContext {
				return true
			}
		}
	}
	return false
}
