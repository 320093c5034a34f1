package recipe

import (
	"fmt"
	"strings"
)

// Validate checks the recipe's required fields locally, before it is handed
// to the backend. It returns every problem found, not just the first.
func Validate(r *MatchRecipe) []string {
	if r == nil {
		return []string{"recipe is missing"}
	}
	var issues []string
	if r.Version != Version {
		issues = append(issues, fmt.Sprintf("unsupported version %q, expected %q", r.Version, Version))
	}
	if strings.TrimSpace(r.RecipeID) == "" {
		issues = append(issues, "recipe_id is required")
	}
	if strings.TrimSpace(r.Sources.Left.URI) == "" {
		issues = append(issues, "sources.left.uri is required")
	}
	if strings.TrimSpace(r.Sources.Right.URI) == "" {
		issues = append(issues, "sources.right.uri is required")
	}
	if len(r.MatchRules) == 0 {
		issues = append(issues, "at least one match rule is required")
	}
	for i, rule := range r.MatchRules {
		if len(rule.Conditions) == 0 {
			issues = append(issues, fmt.Sprintf("match_rules[%d] has no conditions", i))
		}
		switch rule.Pattern {
		case PatternOneToOne, PatternOneToMany, PatternManyToOne:
		default:
			issues = append(issues, fmt.Sprintf("match_rules[%d] has unknown pattern %q", i, rule.Pattern))
		}
		for j, cond := range rule.Conditions {
			if strings.TrimSpace(cond.Left) == "" || strings.TrimSpace(cond.Right) == "" {
				issues = append(issues, fmt.Sprintf("match_rules[%d].conditions[%d] column names are required", i, j))
			}
			if !knownOp(cond.Op) {
				issues = append(issues, fmt.Sprintf("match_rules[%d].conditions[%d] has unknown op %q", i, j, cond.Op))
			}
			if cond.Op == OpTolerance && cond.Threshold == nil {
				issues = append(issues, fmt.Sprintf("match_rules[%d].conditions[%d] tolerance requires a threshold", i, j))
			}
		}
	}
	return issues
}

// ValidationError joins validation issues into the user-facing message.
func ValidationError(issues []string) error {
	if len(issues) == 0 {
		return nil
	}
	return fmt.Errorf("Invalid recipe: %s", strings.Join(issues, ", "))
}
