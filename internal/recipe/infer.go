package recipe

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ToleranceThreshold is the relative difference below which two numeric
// values count as a tolerance match.
const ToleranceThreshold = 0.05

// InferredRule is one scored column-pair candidate derived from confirmed
// example pairs.
type InferredRule struct {
	LeftColumn  string  `json:"left_column"`
	RightColumn string  `json:"right_column"`
	Op          string  `json:"op"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
	Threshold   float64 `json:"threshold,omitempty"`
}

// Condition converts an inferred rule into a recipe condition.
func (r InferredRule) Condition() RuleCondition {
	cond := RuleCondition{Left: r.LeftColumn, Op: r.Op, Right: r.RightColumn}
	if r.Op == OpTolerance {
		threshold := r.Threshold
		cond.Threshold = &threshold
	}
	return cond
}

// InferRules scores every (left column, right column) pair against the
// confirmed example pairs and emits rules for pairs that match often enough.
//
// For each column pair: examples where either side's stringified value is
// empty are skipped; equal strings count as an exact match; otherwise, when
// both sides parse as numbers and their relative difference is below 5%,
// the example counts as a tolerance match. An "eq" rule is emitted when
// exact confidence exceeds 0.70; otherwise a "tolerance" rule is emitted
// when tolerance confidence exceeds 0.50 or the combined confidence exceeds
// 0.70, with confidence equal to the triggering sum. Rules are sorted by
// confidence descending; ties keep enumeration order.
func InferRules(leftColumns, rightColumns []string, pairs []ExamplePair) []InferredRule {
	var rules []InferredRule
	for _, leftCol := range leftColumns {
		for _, rightCol := range rightColumns {
			exactMatches := 0
			toleranceMatches := 0
			total := 0
			for _, pair := range pairs {
				leftVal := strings.TrimSpace(pair.Left[leftCol])
				rightVal := strings.TrimSpace(pair.Right[rightCol])
				if leftVal == "" || rightVal == "" {
					continue
				}
				total++
				if leftVal == rightVal {
					exactMatches++
					continue
				}
				if withinTolerance(leftVal, rightVal) {
					toleranceMatches++
				}
			}
			if total == 0 {
				continue
			}
			exactConf := float64(exactMatches) / float64(total)
			tolConf := float64(toleranceMatches) / float64(total)
			switch {
			case exactConf > 0.70:
				rules = append(rules, InferredRule{
					LeftColumn:  leftCol,
					RightColumn: rightCol,
					Op:          OpEq,
					Confidence:  exactConf,
					Reasoning:   fmt.Sprintf("%d of %d examples match exactly (%.0f%%)", exactMatches, total, exactConf*100),
				})
			case tolConf > 0.50 || exactConf+tolConf > 0.70:
				confidence := exactConf + tolConf
				if tolConf > 0.50 {
					confidence = tolConf
				}
				rules = append(rules, InferredRule{
					LeftColumn:  leftCol,
					RightColumn: rightCol,
					Op:          OpTolerance,
					Confidence:  confidence,
					Reasoning:   fmt.Sprintf("%d of %d examples within 5%% tolerance (%.0f%%)", exactMatches+toleranceMatches, total, confidence*100),
					Threshold:   ToleranceThreshold,
				})
			}
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Confidence > rules[j].Confidence
	})
	return rules
}

func withinTolerance(leftVal, rightVal string) bool {
	left, err := strconv.ParseFloat(leftVal, 64)
	if err != nil {
		return false
	}
	right, err := strconv.ParseFloat(rightVal, 64)
	if err != nil {
		return false
	}
	largest := math.Max(math.Abs(left), math.Abs(right))
	if largest == 0 {
		return true
	}
	return math.Abs(left-right)/largest < ToleranceThreshold
}
