package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchbook/engine/internal/backend"
	"matchbook/engine/internal/llm"
	"matchbook/engine/internal/recipe"
	"matchbook/engine/internal/session"
)

type fakeBackend struct {
	sources    []backend.Source
	previews   map[string]*backend.Preview
	listErr    error
	previewErr error

	scopedAlias      string
	scopedConditions []backend.Condition
	scopedLimit      int

	saved     *backend.SaveRecipeRequest
	run       *backend.Run
	createErr error
	waited    time.Duration
	waitErr   error
}

func (f *fakeBackend) ListSources(ctx context.Context) ([]backend.Source, error) {
	return f.sources, f.listErr
}

func (f *fakeBackend) GetPreview(ctx context.Context, alias string, limit int) (*backend.Preview, error) {
	if f.previewErr != nil {
		return nil, f.previewErr
	}
	preview, ok := f.previews[alias]
	if !ok {
		return nil, fmt.Errorf("Failed to get preview for %s: 404 Not Found", alias)
	}
	return preview, nil
}

func (f *fakeBackend) LoadScoped(ctx context.Context, alias string, conditions []backend.Condition, limit int) (*backend.Preview, error) {
	f.scopedAlias = alias
	f.scopedConditions = conditions
	f.scopedLimit = limit
	return f.previews[alias], nil
}

func (f *fakeBackend) SaveRecipe(ctx context.Context, req backend.SaveRecipeRequest) error {
	f.saved = &req
	return nil
}

func (f *fakeBackend) CreateRun(ctx context.Context, recipeID string) (*backend.Run, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &backend.Run{RunID: "run-1", Status: "Running"}, nil
}

func (f *fakeBackend) WaitForRun(ctx context.Context, runID string, maxWait time.Duration) (*backend.Run, error) {
	f.waited = maxWait
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return f.run, nil
}

func toolCall(name, args string) llm.ToolCall {
	return llm.ToolCall{
		ID:       "call-1",
		Type:     "function",
		Function: llm.ToolCallFunction{Name: name, Arguments: args},
	}
}

func demoSession() *session.Session {
	sess := &session.Session{}
	sess.Facts.Sources = []backend.Source{
		{Alias: "invoices", URI: "s3://bucket/invoices.csv", SourceType: "csv", Status: "ready"},
		{Alias: "payments", URI: "postgres://db/payments", SourceType: "postgres", Status: "ready"},
	}
	sess.Facts.LeftAlias = "invoices"
	sess.Facts.RightAlias = "payments"
	sess.Facts.SchemaLeft = []backend.Column{{Name: "id"}, {Name: "amount"}}
	sess.Facts.SchemaRight = []backend.Column{{Name: "ref"}, {Name: "total"}}
	sess.Facts.ConfirmedPairs = []recipe.ExamplePair{
		{Left: map[string]string{"id": "1", "amount": "100.00"}, Right: map[string]string{"ref": "1", "total": "100.00"}},
		{Left: map[string]string{"id": "2", "amount": "200.00"}, Right: map[string]string{"ref": "2", "total": "200.00"}},
		{Left: map[string]string{"id": "3", "amount": "300.00"}, Right: map[string]string{"ref": "3", "total": "300.00"}},
	}
	return sess
}

func TestSelectFiltersExhaustedAndKeepsOrder(t *testing.T) {
	selected := Select([]string{ListSources, GetSourcePreview, RequestFileUpload}, map[string]bool{GetSourcePreview: true})
	require.Len(t, selected, 2)
	assert.Equal(t, ListSources, selected[0].Function.Name)
	assert.Equal(t, RequestFileUpload, selected[1].Function.Name)
}

func TestExecuteUnknownTool(t *testing.T) {
	h := NewHandler(&fakeBackend{}, &session.Session{})
	_, err := h.Execute(context.Background(), toolCall("drop_tables", "{}"))
	var unknown *UnknownToolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "drop_tables", unknown.Name)
}

func TestExecuteRejectsInvalidArgs(t *testing.T) {
	h := NewHandler(&fakeBackend{}, &session.Session{})
	_, err := h.Execute(context.Background(), toolCall(GetSourcePreview, `{"limit": 5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid arguments")
}

func TestListSources(t *testing.T) {
	be := &fakeBackend{sources: []backend.Source{{Alias: "invoices", Status: "ready"}}}
	h := NewHandler(be, &session.Session{})
	result, err := h.Execute(context.Background(), toolCall(ListSources, ""))
	require.NoError(t, err)
	require.Len(t, result.Sources, 1)
	assert.Contains(t, result.Payload, `"alias":"invoices"`)
}

func TestListSourcesPropagatesBackendError(t *testing.T) {
	be := &fakeBackend{listErr: errors.New("Failed to list sources: 500 Internal Server Error")}
	h := NewHandler(be, &session.Session{})
	_, err := h.Execute(context.Background(), toolCall(ListSources, "{}"))
	assert.EqualError(t, err, "Failed to list sources: 500 Internal Server Error")
}

func TestGetSourcePreview(t *testing.T) {
	be := &fakeBackend{previews: map[string]*backend.Preview{
		"invoices": {Alias: "invoices", Columns: []backend.Column{{Name: "id", DataType: "text"}}, Rows: [][]string{{"1"}}},
	}}
	h := NewHandler(be, &session.Session{})
	result, err := h.Execute(context.Background(), toolCall(GetSourcePreview, `{"alias":"invoices","limit":5}`))
	require.NoError(t, err)
	assert.Equal(t, "invoices", result.Alias)
	require.NotNil(t, result.Preview)
	assert.Equal(t, "id", result.Preview.Columns[0].Name)
}

func TestRequestFileUpload(t *testing.T) {
	h := NewHandler(&fakeBackend{}, &session.Session{})
	result, err := h.Execute(context.Background(), toolCall(RequestFileUpload, `{"filename":"bank_statement.csv"}`))
	require.NoError(t, err)
	require.NotNil(t, result.Upload)
	assert.Equal(t, "bank_statement.csv", result.Upload.Filename)
	assert.Contains(t, result.Payload, "upload_requested")
}

func TestLoadScopedData(t *testing.T) {
	be := &fakeBackend{previews: map[string]*backend.Preview{
		"invoices": {Alias: "invoices", Rows: [][]string{{"1"}}},
	}}
	h := NewHandler(be, &session.Session{})
	args := `{"alias":"invoices","conditions":[{"column":"status","op":"eq","value":"open"}],"limit":50}`
	result, err := h.Execute(context.Background(), toolCall(LoadScopedData, args))
	require.NoError(t, err)
	assert.Equal(t, "invoices", be.scopedAlias)
	assert.Equal(t, 50, be.scopedLimit)
	require.Len(t, be.scopedConditions, 1)
	assert.Equal(t, "status", be.scopedConditions[0].Column)
	require.Len(t, result.Conditions, 1)
}

func TestProposeMatch(t *testing.T) {
	h := NewHandler(&fakeBackend{}, &session.Session{}, WithIDGenerator(func() string { return "fixed-id" }))
	args := `{"left_row":{"id":"1"},"right_row":{"ref":"1"},"reason":"same id"}`
	result, err := h.Execute(context.Background(), toolCall(ProposeMatch, args))
	require.NoError(t, err)
	require.NotNil(t, result.Candidate)
	assert.Equal(t, "fixed-id", result.Candidate.CandidateID)
	assert.Equal(t, "same id", result.Candidate.Reason)
	assert.Contains(t, result.Payload, "awaiting user confirmation")
}

func TestInferMatchRules(t *testing.T) {
	h := NewHandler(&fakeBackend{}, demoSession())
	result, err := h.Execute(context.Background(), toolCall(InferMatchRules, "{}"))
	require.NoError(t, err)
	require.NotEmpty(t, result.Rules)
	assert.Equal(t, recipe.OpEq, result.Rules[0].Op)
}

func TestInferMatchRulesNoPairs(t *testing.T) {
	h := NewHandler(&fakeBackend{}, &session.Session{})
	_, err := h.Execute(context.Background(), toolCall(InferMatchRules, "{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no confirmed example pairs")
}

func TestBuildRecipeFromInference(t *testing.T) {
	h := NewHandler(&fakeBackend{}, demoSession(), WithIDGenerator(func() string { return "aaaabbbb-cccc" }))
	result, err := h.Execute(context.Background(), toolCall(BuildRecipe, `{"name":"Invoices vs payments"}`))
	require.NoError(t, err)
	doc := result.Recipe
	require.NotNil(t, doc)
	assert.Equal(t, recipe.Version, doc.Version)
	assert.Equal(t, "recipe-aaaabbbb", doc.RecipeID)
	assert.Equal(t, "Invoices vs payments", doc.Name)
	assert.Equal(t, "invoices", doc.Sources.Left.Alias)
	assert.Equal(t, "s3://bucket/invoices.csv", doc.Sources.Left.URI)
	assert.Equal(t, "id", doc.Sources.Left.PrimaryKey)
	assert.Equal(t, "postgres://db/payments", doc.Sources.Right.URI)
	require.Len(t, doc.MatchRules, 1)
	assert.Equal(t, "inferred_match", doc.MatchRules[0].Name)
	assert.Equal(t, recipe.PatternOneToOne, doc.MatchRules[0].Pattern)
	assert.NotEmpty(t, doc.MatchRules[0].Conditions)
	assert.Empty(t, recipe.Validate(doc))
}

func TestBuildRecipeExplicitRules(t *testing.T) {
	h := NewHandler(&fakeBackend{}, demoSession())
	args := `{"rules":[{"left_column":"amount","right_column":"total","op":"tolerance"}]}`
	result, err := h.Execute(context.Background(), toolCall(BuildRecipe, args))
	require.NoError(t, err)
	conditions := result.Recipe.MatchRules[0].Conditions
	require.Len(t, conditions, 1)
	assert.Equal(t, recipe.OpTolerance, conditions[0].Op)
	require.NotNil(t, conditions[0].Threshold)
	assert.Equal(t, recipe.ToleranceThreshold, *conditions[0].Threshold)
}

func TestBuildRecipeNoRules(t *testing.T) {
	h := NewHandler(&fakeBackend{}, &session.Session{})
	_, err := h.Execute(context.Background(), toolCall(BuildRecipe, "{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no match rules available")
}

func TestValidateRecipeReportsIssues(t *testing.T) {
	h := NewHandler(&fakeBackend{}, &session.Session{})
	result, err := h.Execute(context.Background(), toolCall(ValidateRecipe, "{}"))
	require.NoError(t, err)
	assert.Equal(t, []string{"recipe is missing"}, result.Issues)
	assert.Contains(t, result.Payload, `"valid":false`)
}

func TestRunSampleSavesAndWaits(t *testing.T) {
	be := &fakeBackend{run: &backend.Run{RunID: "run-1", Status: "Completed", MatchedCount: 40}}
	sess := demoSession()
	build := NewHandler(be, sess)
	built, err := build.Execute(context.Background(), toolCall(BuildRecipe, "{}"))
	require.NoError(t, err)
	sess.Facts.RecipeDraft = built.Recipe

	h := NewHandler(be, sess, WithRunWaits(10*time.Second, time.Hour))
	result, err := h.Execute(context.Background(), toolCall(RunSample, "{}"))
	require.NoError(t, err)

	require.NotNil(t, be.saved)
	assert.Equal(t, built.Recipe.RecipeID, be.saved.RecipeID)
	var config recipe.MatchRecipe
	require.NoError(t, json.Unmarshal(be.saved.Config, &config))
	assert.Equal(t, built.Recipe.RecipeID, config.RecipeID)

	assert.Equal(t, 10*time.Second, be.waited)
	require.NotNil(t, result.Run)
	assert.Equal(t, 40, result.Run.MatchedCount)
}

func TestRunFullUsesFullDeadline(t *testing.T) {
	be := &fakeBackend{run: &backend.Run{RunID: "run-2", Status: "Completed"}}
	sess := demoSession()
	built, err := NewHandler(be, sess).Execute(context.Background(), toolCall(BuildRecipe, "{}"))
	require.NoError(t, err)
	sess.Facts.RecipeDraft = built.Recipe

	h := NewHandler(be, sess, WithRunWaits(10*time.Second, time.Hour))
	_, err = h.Execute(context.Background(), toolCall(RunFull, "{}"))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, be.waited)
}

func TestRunRejectsInvalidDraft(t *testing.T) {
	sess := demoSession()
	sess.Facts.RecipeDraft = &recipe.MatchRecipe{Version: recipe.Version}
	h := NewHandler(&fakeBackend{}, sess)
	_, err := h.Execute(context.Background(), toolCall(RunSample, "{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid recipe: ")
}

func TestRunWithoutDraft(t *testing.T) {
	h := NewHandler(&fakeBackend{}, &session.Session{})
	_, err := h.Execute(context.Background(), toolCall(RunFull, "{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recipe draft")
}

func TestRunSurfacesTimeout(t *testing.T) {
	be := &fakeBackend{waitErr: errors.New("Run run-9 timed out after 10000ms")}
	sess := demoSession()
	built, err := NewHandler(be, sess).Execute(context.Background(), toolCall(BuildRecipe, "{}"))
	require.NoError(t, err)
	sess.Facts.RecipeDraft = built.Recipe

	h := NewHandler(be, sess)
	_, err = h.Execute(context.Background(), toolCall(RunSample, "{}"))
	assert.EqualError(t, err, "Run run-9 timed out after 10000ms")
}
