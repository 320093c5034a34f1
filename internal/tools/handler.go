package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"matchbook/engine/internal/backend"
	"matchbook/engine/internal/llm"
	"matchbook/engine/internal/logging"
	"matchbook/engine/internal/recipe"
	"matchbook/engine/internal/session"
)

// Backend is the subset of the backend client the tool handler needs.
type Backend interface {
	ListSources(ctx context.Context) ([]backend.Source, error)
	GetPreview(ctx context.Context, alias string, limit int) (*backend.Preview, error)
	LoadScoped(ctx context.Context, alias string, conditions []backend.Condition, limit int) (*backend.Preview, error)
	SaveRecipe(ctx context.Context, req backend.SaveRecipeRequest) error
	CreateRun(ctx context.Context, recipeID string) (*backend.Run, error)
	WaitForRun(ctx context.Context, runID string, maxWait time.Duration) (*backend.Run, error)
}

// UnknownToolError reports a tool name outside the registry. The turn loop
// feeds it back to the model like any other tool failure.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// Result is what a tool execution produced. Payload is the JSON fed back
// to the model; the typed fields let the turn loop apply its
// transition rules without reparsing the payload.
type Result struct {
	Payload string

	Sources    []backend.Source
	Preview    *backend.Preview
	Alias      string
	Conditions []backend.Condition
	Upload     *UploadRequest
	Candidate  *MatchCandidate
	Rules      []recipe.InferredRule
	Recipe     *recipe.MatchRecipe
	Issues     []string
	Run        *backend.Run
}

// UploadRequest asks the UI to collect a file from the user.
type UploadRequest struct {
	Filename string `json:"filename"`
}

// MatchCandidate is one proposed row pair awaiting user confirmation.
type MatchCandidate struct {
	CandidateID string            `json:"candidate_id"`
	LeftRow     map[string]string `json:"left_row"`
	RightRow    map[string]string `json:"right_row"`
	Reason      string            `json:"reason,omitempty"`
}

// Handler executes tool calls against a session's working state. A handler
// is turn-scoped: the engine creates one per turn with the turn's working
// session view.
type Handler struct {
	backend    Backend
	sess       *session.Session
	logger     *slog.Logger
	sampleWait time.Duration
	fullWait   time.Duration
	newID      func() string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// WithRunWaits sets the polling deadlines for sample and full runs.
func WithRunWaits(sample, full time.Duration) HandlerOption {
	return func(h *Handler) {
		h.sampleWait = sample
		h.fullWait = full
	}
}

// WithIDGenerator overrides candidate/recipe id generation.
func WithIDGenerator(newID func() string) HandlerOption {
	return func(h *Handler) { h.newID = newID }
}

// NewHandler builds a turn-scoped tool handler over the given working
// session view.
func NewHandler(be Backend, sess *session.Session, opts ...HandlerOption) *Handler {
	h := &Handler{
		backend:    be,
		sess:       sess,
		logger:     logging.Nop(),
		sampleWait: time.Minute,
		fullWait:   5 * time.Minute,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Execute validates and runs one tool call.
func (h *Handler) Execute(ctx context.Context, call llm.ToolCall) (*Result, error) {
	name := call.Function.Name
	if _, ok := definitionsByName[name]; !ok {
		return nil, &UnknownToolError{Name: name}
	}
	if err := validateArgs(name, call.Function.Arguments); err != nil {
		return nil, err
	}
	switch name {
	case ListSources:
		return h.listSources(ctx)
	case GetSourcePreview:
		return h.getSourcePreview(ctx, call.Function.Arguments)
	case RequestFileUpload:
		return h.requestFileUpload(call.Function.Arguments)
	case LoadScopedData:
		return h.loadScopedData(ctx, call.Function.Arguments)
	case ProposeMatch:
		return h.proposeMatch(call.Function.Arguments)
	case InferMatchRules:
		return h.inferMatchRules()
	case BuildRecipe:
		return h.buildRecipe(call.Function.Arguments)
	case ValidateRecipe:
		return h.validateRecipe()
	case RunSample:
		return h.runRecipe(ctx, h.sampleWait)
	case RunFull:
		return h.runRecipe(ctx, h.fullWait)
	default:
		return nil, &UnknownToolError{Name: name}
	}
}

func (h *Handler) listSources(ctx context.Context) (*Result, error) {
	sources, err := h.backend.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(sources)
	if err != nil {
		return nil, err
	}
	return &Result{Payload: string(payload), Sources: sources}, nil
}

func (h *Handler) getSourcePreview(ctx context.Context, argsJSON string) (*Result, error) {
	var args struct {
		Alias string `json:"alias"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	preview, err := h.backend.GetPreview(ctx, args.Alias, args.Limit)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(preview)
	if err != nil {
		return nil, err
	}
	return &Result{Payload: string(payload), Preview: preview, Alias: args.Alias}, nil
}

func (h *Handler) requestFileUpload(argsJSON string) (*Result, error) {
	var args struct {
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	upload := &UploadRequest{Filename: args.Filename}
	payload := fmt.Sprintf(`{"upload_requested":%q,"note":"the user has been asked to upload the file; its schema will appear once registered"}`, args.Filename)
	return &Result{Payload: payload, Upload: upload}, nil
}

func (h *Handler) loadScopedData(ctx context.Context, argsJSON string) (*Result, error) {
	var args struct {
		Alias      string              `json:"alias"`
		Conditions []backend.Condition `json:"conditions"`
		Limit      int                 `json:"limit"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	preview, err := h.backend.LoadScoped(ctx, args.Alias, args.Conditions, args.Limit)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(preview)
	if err != nil {
		return nil, err
	}
	return &Result{
		Payload:    string(payload),
		Preview:    preview,
		Alias:      args.Alias,
		Conditions: args.Conditions,
	}, nil
}

func (h *Handler) proposeMatch(argsJSON string) (*Result, error) {
	var args struct {
		LeftRow  map[string]string `json:"left_row"`
		RightRow map[string]string `json:"right_row"`
		Reason   string            `json:"reason"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	candidate := &MatchCandidate{
		CandidateID: h.newID(),
		LeftRow:     args.LeftRow,
		RightRow:    args.RightRow,
		Reason:      args.Reason,
	}
	payload, err := json.Marshal(map[string]any{
		"candidate_id": candidate.CandidateID,
		"status":       "awaiting user confirmation",
	})
	if err != nil {
		return nil, err
	}
	return &Result{Payload: string(payload), Candidate: candidate}, nil
}

func (h *Handler) inferMatchRules() (*Result, error) {
	if len(h.sess.Facts.ConfirmedPairs) == 0 {
		return nil, fmt.Errorf("no confirmed example pairs to infer rules from")
	}
	rules := recipe.InferRules(
		columnNames(h.sess.Facts.SchemaLeft),
		columnNames(h.sess.Facts.SchemaRight),
		h.sess.Facts.ConfirmedPairs,
	)
	if len(rules) == 0 {
		return &Result{Payload: `{"rules":[],"note":"no column pair matched often enough to support a rule"}`}, nil
	}
	payload, err := json.Marshal(map[string]any{"rules": rules})
	if err != nil {
		return nil, err
	}
	return &Result{Payload: string(payload), Rules: rules}, nil
}

func (h *Handler) buildRecipe(argsJSON string) (*Result, error) {
	var args struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Rules       []struct {
			LeftColumn  string   `json:"left_column"`
			RightColumn string   `json:"right_column"`
			Op          string   `json:"op"`
			Threshold   *float64 `json:"threshold"`
		} `json:"rules"`
	}
	if argsJSON == "" {
		argsJSON = "{}"
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	var conditions []recipe.RuleCondition
	if len(args.Rules) > 0 {
		for _, r := range args.Rules {
			cond := recipe.RuleCondition{Left: r.LeftColumn, Op: r.Op, Right: r.RightColumn}
			if r.Op == recipe.OpTolerance {
				threshold := recipe.ToleranceThreshold
				if r.Threshold != nil {
					threshold = *r.Threshold
				}
				cond.Threshold = &threshold
			}
			conditions = append(conditions, cond)
		}
	} else {
		inferred := recipe.InferRules(
			columnNames(h.sess.Facts.SchemaLeft),
			columnNames(h.sess.Facts.SchemaRight),
			h.sess.Facts.ConfirmedPairs,
		)
		for _, r := range inferred {
			conditions = append(conditions, r.Condition())
		}
	}
	if len(conditions) == 0 {
		return nil, fmt.Errorf("no match rules available; run infer_match_rules or provide rules explicitly")
	}

	doc := &recipe.MatchRecipe{
		Version:     recipe.Version,
		RecipeID:    "recipe-" + shortID(h.newID()),
		Name:        args.Name,
		Description: args.Description,
		Sources: recipe.Sources{
			Left:  h.sourceRef(h.sess.Facts.LeftAlias, h.sess.Facts.SchemaLeft),
			Right: h.sourceRef(h.sess.Facts.RightAlias, h.sess.Facts.SchemaRight),
		},
		MatchRules: []recipe.MatchRule{
			{Name: "inferred_match", Pattern: recipe.PatternOneToOne, Conditions: conditions, Priority: 1},
		},
		Output: recipe.Output{
			Matched:        "matched",
			UnmatchedLeft:  "unmatched_left",
			UnmatchedRight: "unmatched_right",
		},
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return &Result{Payload: string(payload), Recipe: doc}, nil
}

func (h *Handler) sourceRef(alias string, schema []backend.Column) recipe.SourceRef {
	ref := recipe.SourceRef{Alias: alias}
	for _, src := range h.sess.Facts.Sources {
		if src.Alias == alias {
			ref.URI = src.URI
			break
		}
	}
	if len(schema) > 0 {
		ref.PrimaryKey = schema[0].Name
	}
	return ref
}

func (h *Handler) validateRecipe() (*Result, error) {
	issues := recipe.Validate(h.sess.Facts.RecipeDraft)
	payload, err := json.Marshal(map[string]any{
		"valid":  len(issues) == 0,
		"issues": issues,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Payload: string(payload), Issues: issues}, nil
}

func (h *Handler) runRecipe(ctx context.Context, maxWait time.Duration) (*Result, error) {
	draft := h.sess.Facts.RecipeDraft
	if draft == nil {
		return nil, fmt.Errorf("no recipe draft to run")
	}
	if issues := recipe.Validate(draft); len(issues) > 0 {
		return nil, recipe.ValidationError(issues)
	}
	config, err := json.Marshal(draft)
	if err != nil {
		return nil, err
	}
	name := draft.Name
	if name == "" {
		name = draft.RecipeID
	}
	if err := h.backend.SaveRecipe(ctx, backend.SaveRecipeRequest{
		RecipeID:    draft.RecipeID,
		Name:        name,
		Description: draft.Description,
		Config:      config,
	}); err != nil {
		return nil, err
	}
	run, err := h.backend.CreateRun(ctx, draft.RecipeID)
	if err != nil {
		return nil, err
	}
	h.logger.Info("tool.run_started", "run_id", run.RunID, "recipe_id", draft.RecipeID)
	final, err := h.backend.WaitForRun(ctx, run.RunID, maxWait)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(final)
	if err != nil {
		return nil, err
	}
	return &Result{Payload: string(payload), Run: final}, nil
}

func columnNames(columns []backend.Column) []string {
	names := make([]string, 0, len(columns))
	for _, col := range columns {
		names = append(names, col.Name)
	}
	return names
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
