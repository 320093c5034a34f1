// Package session holds the durable conversation state: accumulated facts,
// the current phase, and the conversation history. The turn loop reads a
// session and proposes updates; only the store mutates persisted state.
package session

import (
	"encoding/json"
	"time"

	"matchbook/engine/internal/backend"
	"matchbook/engine/internal/recipe"
)

// Lifecycle statuses.
const (
	StatusActive      = "active"
	StatusRecipeReady = "recipe_ready"
	StatusRunning     = "running"
	StatusCompleted   = "completed"
)

// Turn roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Segment types.
const (
	SegmentText = "text"
	SegmentCard = "card"
)

// Accumulated fact field names. Phase prerequisites and turn updates are
// keyed by these.
const (
	FieldSourcesList        = "sources_list"
	FieldLeftAlias          = "left_source_alias"
	FieldRightAlias         = "right_source_alias"
	FieldSchemaLeft         = "schema_left"
	FieldSchemaRight        = "schema_right"
	FieldScopeLeft          = "scope_left"
	FieldScopeRight         = "scope_right"
	FieldSampleLeft         = "sample_left"
	FieldSampleRight        = "sample_right"
	FieldConfirmedPairs     = "confirmed_pairs"
	FieldRecipeDraft        = "recipe_draft"
	FieldValidationApproved = "validation_approved"
	FieldPhase              = "phase"
	FieldStatus             = "status"
)

// Facts is everything the conversation has established so far.
type Facts struct {
	Sources            []backend.Source     `json:"sources,omitempty"`
	LeftAlias          string               `json:"left_source_alias,omitempty"`
	RightAlias         string               `json:"right_source_alias,omitempty"`
	SchemaLeft         []backend.Column     `json:"schema_left,omitempty"`
	SchemaRight        []backend.Column     `json:"schema_right,omitempty"`
	ScopeLeft          []backend.Condition  `json:"scope_left,omitempty"`
	ScopeRight         []backend.Condition  `json:"scope_right,omitempty"`
	SampleLeft         [][]string           `json:"sample_left,omitempty"`
	SampleRight        [][]string           `json:"sample_right,omitempty"`
	ConfirmedPairs     []recipe.ExamplePair `json:"confirmed_pairs,omitempty"`
	RecipeDraft        *recipe.MatchRecipe  `json:"recipe_draft,omitempty"`
	ValidationApproved bool                 `json:"validation_approved,omitempty"`
}

// Card is a structured payload embedded in a conversation turn.
type Card struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Segment is one piece of a turn: free text or a card.
type Segment struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Card *Card  `json:"card,omitempty"`
}

// Turn is one user or agent contribution to the conversation.
type Turn struct {
	Role      string    `json:"role"`
	Segments  []Segment `json:"segments"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the unit of conversation state.
type Session struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Phase     string    `json:"phase"`
	Facts     Facts     `json:"facts"`
	Turns     []Turn    `json:"turns,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a working copy whose fact slices do not share backing
// arrays with the original. The turn loop mutates the copy and the caller
// persists the proposed updates separately.
func (s *Session) Clone() *Session {
	out := *s
	out.Facts.Sources = append([]backend.Source(nil), s.Facts.Sources...)
	out.Facts.SchemaLeft = append([]backend.Column(nil), s.Facts.SchemaLeft...)
	out.Facts.SchemaRight = append([]backend.Column(nil), s.Facts.SchemaRight...)
	out.Facts.ScopeLeft = append([]backend.Condition(nil), s.Facts.ScopeLeft...)
	out.Facts.ScopeRight = append([]backend.Condition(nil), s.Facts.ScopeRight...)
	out.Facts.SampleLeft = append([][]string(nil), s.Facts.SampleLeft...)
	out.Facts.SampleRight = append([][]string(nil), s.Facts.SampleRight...)
	out.Facts.ConfirmedPairs = append([]recipe.ExamplePair(nil), s.Facts.ConfirmedPairs...)
	out.Turns = append([]Turn(nil), s.Turns...)
	return &out
}

// FieldPopulated reports whether a fact field is non-null and, for
// list-valued fields, non-empty.
func (s *Session) FieldPopulated(field string) bool {
	switch field {
	case FieldSourcesList:
		return len(s.Facts.Sources) > 0
	case FieldLeftAlias:
		return s.Facts.LeftAlias != ""
	case FieldRightAlias:
		return s.Facts.RightAlias != ""
	case FieldSchemaLeft:
		return len(s.Facts.SchemaLeft) > 0
	case FieldSchemaRight:
		return len(s.Facts.SchemaRight) > 0
	case FieldScopeLeft:
		return len(s.Facts.ScopeLeft) > 0
	case FieldScopeRight:
		return len(s.Facts.ScopeRight) > 0
	case FieldSampleLeft:
		return len(s.Facts.SampleLeft) > 0
	case FieldSampleRight:
		return len(s.Facts.SampleRight) > 0
	case FieldConfirmedPairs:
		return len(s.Facts.ConfirmedPairs) > 0
	case FieldRecipeDraft:
		return s.Facts.RecipeDraft != nil
	case FieldValidationApproved:
		return s.Facts.ValidationApproved
	default:
		return false
	}
}

// TextSegment builds a text segment.
func TextSegment(text string) Segment {
	return Segment{Type: SegmentText, Text: text}
}

// CardSegment builds a card segment with a JSON-serialized payload.
func CardSegment(cardType, id string, data any) Segment {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = nil
	}
	return Segment{Type: SegmentCard, Card: &Card{Type: cardType, ID: id, Data: raw}}
}
