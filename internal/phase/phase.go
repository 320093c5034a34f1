// Package phase defines the fixed progression a recipe-building
// conversation moves through and the per-phase configuration the turn loop
// consults: allowed tools, prerequisite facts, context injections, and the
// advancement predicate.
package phase

import (
	"fmt"
	"strings"

	"matchbook/engine/internal/session"
)

// Phase names, in progression order.
const (
	Greeting      = "greeting"
	Intent        = "intent"
	Scoping       = "scoping"
	Demonstration = "demonstration"
	Inference     = "inference"
	Validation    = "validation"
	Execution     = "execution"
)

// Order is the fixed forward progression. Phases never run backward and
// never skip.
var Order = []string{Greeting, Intent, Scoping, Demonstration, Inference, Validation, Execution}

// Exhaustion actions. SkipPhase is accepted in configuration but the turn
// loop treats it as InformUser.
const (
	ExhaustInformUser = "inform_user"
	ExhaustSkipPhase  = "skip_phase"
)

// Injection kinds.
const (
	InjectSources = "sources"
	InjectSchemas = "schemas"
	InjectSamples = "samples"
	InjectPairs   = "pairs"
	InjectRecipe  = "recipe"
)

// RetryPolicy bounds per-tool failures within a single turn.
type RetryPolicy struct {
	MaxRetriesPerTool int
	OnExhausted       string
}

// Config is the immutable per-phase configuration.
type Config struct {
	Name          string
	AllowedTools  []string
	Instruction   string
	Prerequisites []string
	Injections    []string
	AdvancesWhen  func(*session.Session) bool
	Retry         RetryPolicy
}

var defaultRetry = RetryPolicy{MaxRetriesPerTool: 2, OnExhausted: ExhaustInformUser}

var configs = map[string]Config{
	Greeting: {
		Name:         Greeting,
		AllowedTools: []string{"list_sources", "get_source_preview", "request_file_upload"},
		Instruction: "Welcome the user and find out what data they want to reconcile. " +
			"List the registered sources or offer a file upload so the conversation has something to work with.",
		AdvancesWhen: func(s *session.Session) bool {
			return len(s.Facts.Sources) > 0 || len(s.Facts.SchemaLeft) > 0
		},
		Retry: defaultRetry,
	},
	Intent: {
		Name:          Intent,
		AllowedTools:  []string{"list_sources", "get_source_preview", "request_file_upload"},
		Instruction:   "Identify which two sources the user wants to match. Preview each chosen source to capture its schema before moving on.",
		Prerequisites: []string{session.FieldSourcesList},
		Injections:    []string{InjectSources},
		AdvancesWhen: func(s *session.Session) bool {
			return len(s.Facts.SchemaLeft) > 0 && len(s.Facts.SchemaRight) > 0
		},
		Retry: defaultRetry,
	},
	Scoping: {
		Name:          Scoping,
		AllowedTools:  []string{"get_source_preview", "load_scoped_data"},
		Instruction:   "Narrow each source down to the slice of data the user cares about. Load a scoped sample from both sides.",
		Prerequisites: []string{session.FieldSchemaLeft, session.FieldSchemaRight},
		Injections:    []string{InjectSources, InjectSchemas},
		AdvancesWhen: func(s *session.Session) bool {
			return len(s.Facts.SampleLeft) > 0 && len(s.Facts.SampleRight) > 0
		},
		Retry: defaultRetry,
	},
	Demonstration: {
		Name:          Demonstration,
		AllowedTools:  []string{"get_source_preview", "propose_match"},
		Instruction:   "Propose candidate row matches from the samples and ask the user to confirm or reject each one. Collect at least three confirmed examples.",
		Prerequisites: []string{session.FieldSampleLeft, session.FieldSampleRight},
		Injections:    []string{InjectSchemas, InjectSamples},
		AdvancesWhen: func(s *session.Session) bool {
			return len(s.Facts.ConfirmedPairs) >= 3
		},
		Retry: defaultRetry,
	},
	Inference: {
		Name:          Inference,
		AllowedTools:  []string{"infer_match_rules", "build_recipe", "propose_match"},
		Instruction:   "Infer match rules from the confirmed examples, explain them to the user, and assemble a draft recipe.",
		Prerequisites: []string{session.FieldConfirmedPairs},
		Injections:    []string{InjectSchemas, InjectSamples, InjectPairs},
		AdvancesWhen: func(s *session.Session) bool {
			return s.Facts.RecipeDraft != nil
		},
		Retry: defaultRetry,
	},
	Validation: {
		Name:          Validation,
		AllowedTools:  []string{"validate_recipe", "run_sample", "get_source_preview"},
		Instruction:   "Validate the draft recipe and run it against a sample. Walk the user through the results and ask for approval.",
		Prerequisites: []string{session.FieldRecipeDraft},
		Injections:    []string{InjectPairs, InjectRecipe},
		AdvancesWhen: func(s *session.Session) bool {
			return s.Facts.ValidationApproved
		},
		Retry: defaultRetry,
	},
	Execution: {
		Name:          Execution,
		AllowedTools:  []string{"run_full", "validate_recipe"},
		Instruction:   "Run the approved recipe against the full data and report the match counts.",
		Prerequisites: []string{session.FieldRecipeDraft},
		Injections:    []string{InjectRecipe},
		AdvancesWhen:  func(*session.Session) bool { return false },
		Retry:         defaultRetry,
	},
}

// GetConfig returns the configuration for a phase name.
func GetConfig(name string) (Config, error) {
	cfg, ok := configs[name]
	if !ok {
		return Config{}, fmt.Errorf("unknown phase %q", name)
	}
	return cfg, nil
}

// Next returns the phase after name in the fixed order. ok is false for the
// terminal phase and unknown names.
func Next(name string) (string, bool) {
	for i, p := range Order {
		if p == name && i+1 < len(Order) {
			return Order[i+1], true
		}
	}
	return "", false
}

// PrerequisiteError reports fact fields a phase requires that the session
// has not populated. It is raised before any model call and ends the turn.
type PrerequisiteError struct {
	Phase   string
	Missing []string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("phase %q prerequisites not met: missing %s", e.Phase, strings.Join(e.Missing, ", "))
}

// CheckPrerequisites verifies every declared prerequisite field is
// populated on the session.
func CheckPrerequisites(cfg Config, sess *session.Session) error {
	var missing []string
	for _, field := range cfg.Prerequisites {
		if !sess.FieldPopulated(field) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &PrerequisiteError{Phase: cfg.Name, Missing: missing}
	}
	return nil
}
