package phase

import (
	"encoding/json"
	"fmt"
	"strings"

	"matchbook/engine/internal/backend"
	"matchbook/engine/internal/session"
)

// sampleRowLimit caps how many sample rows are rendered into the model
// context per side.
const sampleRowLimit = 20

// BuildContext renders the phase's declared injections from session state.
// It is a pure function: the same session yields byte-identical text, and
// the blocks appear in the order the config declares. Returns "" when the
// phase declares no injections.
func BuildContext(cfg Config, sess *session.Session) string {
	var blocks []string
	for _, kind := range cfg.Injections {
		switch kind {
		case InjectSources:
			if block := renderSources(sess.Facts.Sources); block != "" {
				blocks = append(blocks, block)
			}
		case InjectSchemas:
			if block := renderSchema("Left schema", sess.Facts.LeftAlias, sess.Facts.SchemaLeft); block != "" {
				blocks = append(blocks, block)
			}
			if block := renderSchema("Right schema", sess.Facts.RightAlias, sess.Facts.SchemaRight); block != "" {
				blocks = append(blocks, block)
			}
		case InjectSamples:
			if block := renderSample("Left sample", sess.Facts.LeftAlias, sess.Facts.SampleLeft); block != "" {
				blocks = append(blocks, block)
			}
			if block := renderSample("Right sample", sess.Facts.RightAlias, sess.Facts.SampleRight); block != "" {
				blocks = append(blocks, block)
			}
		case InjectPairs:
			if block := renderPairs(sess); block != "" {
				blocks = append(blocks, block)
			}
		case InjectRecipe:
			if block := renderRecipe(sess); block != "" {
				blocks = append(blocks, block)
			}
		}
	}
	return strings.Join(blocks, "\n\n")
}

func renderSources(sources []backend.Source) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available sources:\n")
	for _, src := range sources {
		fmt.Fprintf(&b, "- %s | %s | %s | %s\n", src.Alias, src.URI, src.SourceType, src.Status)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSchema(label, alias string, columns []backend.Column) string {
	if len(columns) == 0 {
		return ""
	}
	var b strings.Builder
	if alias != "" {
		fmt.Fprintf(&b, "%s (%s):\n", label, alias)
	} else {
		fmt.Fprintf(&b, "%s:\n", label)
	}
	for _, col := range columns {
		nullability := "not null"
		if col.Nullable {
			nullability = "nullable"
		}
		fmt.Fprintf(&b, "- %s %s %s\n", col.Name, col.DataType, nullability)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSample(label, alias string, rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	var b strings.Builder
	if alias != "" {
		fmt.Fprintf(&b, "%s (%s):\n", label, alias)
	} else {
		fmt.Fprintf(&b, "%s:\n", label)
	}
	shown := rows
	if len(rows) > sampleRowLimit {
		shown = rows[:sampleRowLimit]
		fmt.Fprintf(&b, "Showing %d of %d rows\n", sampleRowLimit, len(rows))
	}
	for _, row := range shown {
		fmt.Fprintf(&b, "%s\n", strings.Join(row, " | "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderPairs(sess *session.Session) string {
	pairs := sess.Facts.ConfirmedPairs
	if len(pairs) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Confirmed match examples (%d):\n", len(pairs))
	for i, pair := range pairs {
		// json.Marshal sorts map keys, keeping the rendering deterministic.
		left, _ := json.Marshal(pair.Left)
		right, _ := json.Marshal(pair.Right)
		fmt.Fprintf(&b, "%d. left=%s right=%s\n", i+1, left, right)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderRecipe(sess *session.Session) string {
	if sess.Facts.RecipeDraft == nil {
		return ""
	}
	doc, err := json.MarshalIndent(sess.Facts.RecipeDraft, "", "  ")
	if err != nil {
		return ""
	}
	return "Current recipe draft:\n" + string(doc)
}
