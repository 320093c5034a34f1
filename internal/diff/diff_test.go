package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextMarksAddedAndRemoved(t *testing.T) {
	before := "a\nb\nc\n"
	after := "a\nB\nc\n"
	hunks := Text(before, after)
	require.Len(t, hunks, 1)

	var added, removed, context int
	for _, line := range hunks[0].Lines {
		switch line.Type {
		case LineAdded:
			added++
			assert.Equal(t, "B", line.Text)
		case LineRemoved:
			removed++
			assert.Equal(t, "b", line.Text)
		case LineContext:
			context++
		}
	}
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, context)
}

func TestDocumentsDetectsChange(t *testing.T) {
	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	same, err := Documents(doc{Name: "x", Count: 1}, doc{Name: "x", Count: 1})
	require.NoError(t, err)
	assert.False(t, Changed(same))

	changed, err := Documents(doc{Name: "x", Count: 1}, doc{Name: "x", Count: 2})
	require.NoError(t, err)
	assert.True(t, Changed(changed))
}

func TestDocumentsNilBefore(t *testing.T) {
	hunks, err := Documents(nil, map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.True(t, Changed(hunks))
}
