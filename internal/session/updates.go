package session

import (
	"encoding/json"

	"matchbook/engine/internal/backend"
	"matchbook/engine/internal/recipe"
)

// Updates is the ordered set of field changes a turn proposes. Order is
// first-set order; re-setting a field keeps its original position and
// replaces the value.
type Updates struct {
	order  []string
	values map[string]any
}

func NewUpdates() *Updates {
	return &Updates{values: make(map[string]any)}
}

func (u *Updates) Set(field string, value any) {
	if _, ok := u.values[field]; !ok {
		u.order = append(u.order, field)
	}
	u.values[field] = value
}

func (u *Updates) Get(field string) (any, bool) {
	value, ok := u.values[field]
	return value, ok
}

func (u *Updates) Has(field string) bool {
	_, ok := u.values[field]
	return ok
}

// Fields returns the updated field names in first-set order.
func (u *Updates) Fields() []string {
	return append([]string(nil), u.order...)
}

func (u *Updates) Len() int {
	return len(u.order)
}

// Map returns the updates keyed by field name, for RPC results.
func (u *Updates) Map() map[string]any {
	out := make(map[string]any, len(u.values))
	for field, value := range u.values {
		out[field] = value
	}
	return out
}

func (u *Updates) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.Map())
}

// Apply writes the updates onto a session. Unknown fields are ignored so a
// newer engine can replay updates recorded by an older one.
func (u *Updates) Apply(sess *Session) {
	for _, field := range u.order {
		value := u.values[field]
		switch field {
		case FieldSourcesList:
			if v, ok := value.([]backend.Source); ok {
				sess.Facts.Sources = v
			}
		case FieldLeftAlias:
			if v, ok := value.(string); ok {
				sess.Facts.LeftAlias = v
			}
		case FieldRightAlias:
			if v, ok := value.(string); ok {
				sess.Facts.RightAlias = v
			}
		case FieldSchemaLeft:
			if v, ok := value.([]backend.Column); ok {
				sess.Facts.SchemaLeft = v
			}
		case FieldSchemaRight:
			if v, ok := value.([]backend.Column); ok {
				sess.Facts.SchemaRight = v
			}
		case FieldScopeLeft:
			if v, ok := value.([]backend.Condition); ok {
				sess.Facts.ScopeLeft = v
			}
		case FieldScopeRight:
			if v, ok := value.([]backend.Condition); ok {
				sess.Facts.ScopeRight = v
			}
		case FieldSampleLeft:
			if v, ok := value.([][]string); ok {
				sess.Facts.SampleLeft = v
			}
		case FieldSampleRight:
			if v, ok := value.([][]string); ok {
				sess.Facts.SampleRight = v
			}
		case FieldConfirmedPairs:
			if v, ok := value.([]recipe.ExamplePair); ok {
				sess.Facts.ConfirmedPairs = v
			}
		case FieldRecipeDraft:
			if v, ok := value.(*recipe.MatchRecipe); ok {
				sess.Facts.RecipeDraft = v
			}
		case FieldValidationApproved:
			if v, ok := value.(bool); ok {
				sess.Facts.ValidationApproved = v
			}
		case FieldPhase:
			if v, ok := value.(string); ok {
				sess.Phase = v
			}
		case FieldStatus:
			if v, ok := value.(string); ok {
				sess.Status = v
			}
		}
	}
}
