// Package recipe defines the match recipe document, its local validation,
// and rule inference from user-confirmed example pairs.
package recipe

// Version is the only recipe schema version the backend accepts.
const Version = "1.0"

// Match patterns supported by the execution backend.
const (
	PatternOneToOne  = "1:1"
	PatternOneToMany = "1:N"
	PatternManyToOne = "M:1"
)

// Condition operators, serialized lowercase.
const (
	OpEq         = "eq"
	OpTolerance  = "tolerance"
	OpGt         = "gt"
	OpLt         = "lt"
	OpGte        = "gte"
	OpLte        = "lte"
	OpContains   = "contains"
	OpStartsWith = "startswith"
	OpEndsWith   = "endswith"
)

// MatchRecipe is the persisted artifact the execution backend runs.
type MatchRecipe struct {
	Version     string      `json:"version"`
	RecipeID    string      `json:"recipe_id"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	Sources     Sources     `json:"sources"`
	MatchRules  []MatchRule `json:"match_rules"`
	Output      Output      `json:"output"`
}

type Sources struct {
	Left  SourceRef `json:"left"`
	Right SourceRef `json:"right"`
}

type SourceRef struct {
	Alias      string `json:"alias"`
	URI        string `json:"uri"`
	PrimaryKey string `json:"primary_key,omitempty"`
}

type MatchRule struct {
	Name       string          `json:"name"`
	Pattern    string          `json:"pattern"`
	Conditions []RuleCondition `json:"conditions"`
	Priority   int             `json:"priority,omitempty"`
}

type RuleCondition struct {
	Left      string   `json:"left"`
	Op        string   `json:"op"`
	Right     string   `json:"right"`
	Threshold *float64 `json:"threshold,omitempty"`
}

type Output struct {
	Matched        string `json:"matched"`
	UnmatchedLeft  string `json:"unmatched_left"`
	UnmatchedRight string `json:"unmatched_right"`
}

// ExamplePair is a left/right row pair the user confirmed as a true match.
// Rows are keyed by column name with stringified values.
type ExamplePair struct {
	Left  map[string]string `json:"left"`
	Right map[string]string `json:"right"`
}

func knownOp(op string) bool {
	switch op {
	case OpEq, OpTolerance, OpGt, OpLt, OpGte, OpLte, OpContains, OpStartsWith, OpEndsWith:
		return true
	default:
		return false
	}
}
