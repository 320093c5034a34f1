package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchbook/engine/internal/errinfo"
	"matchbook/engine/internal/llm"
	"matchbook/engine/internal/phase"
	"matchbook/engine/internal/recipe"
	"matchbook/engine/internal/session"
	"matchbook/engine/internal/settings"
)

func newTestEngine(t *testing.T, client *scriptedClient) *Engine {
	t.Helper()
	e, err := New(
		WithDataDir(t.TempDir()),
		WithBackendClient(twoSourceBackend()),
		WithClientFactory(func(providerID, apiKey, model string) (llm.Client, error) {
			return client, nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func setKey(t *testing.T, e *Engine, providerID string) {
	t.Helper()
	_, infoErr := e.ProvidersSetApiKey(context.Background(),
		json.RawMessage(`{"provider_id":"`+providerID+`","api_key":"sk-test"}`))
	require.Nil(t, infoErr)
}

func createSession(t *testing.T, e *Engine) sessionView {
	t.Helper()
	res, infoErr := e.SessionCreate(context.Background(), nil)
	require.Nil(t, infoErr)
	return res.(sessionView)
}

func TestEngineGetInfo(t *testing.T) {
	e := newTestEngine(t, &scriptedClient{})
	res, infoErr := e.EngineGetInfo(context.Background(), nil)
	require.Nil(t, infoErr)
	info := res.(map[string]any)
	assert.Equal(t, "matchbook-engine", info["name"])
	assert.Len(t, info["phases"], 7)
}

func TestSessionCreateGetList(t *testing.T) {
	e := newTestEngine(t, &scriptedClient{})
	first := createSession(t, e)
	second := createSession(t, e)
	assert.Equal(t, phase.Greeting, first.Phase)
	assert.Equal(t, session.StatusActive, first.Status)

	res, infoErr := e.SessionGet(context.Background(), json.RawMessage(`{"session_id":"`+second.SessionID+`"}`))
	require.Nil(t, infoErr)
	assert.Equal(t, second.SessionID, res.(sessionView).SessionID)

	res, infoErr = e.SessionList(context.Background(), nil)
	require.Nil(t, infoErr)
	views := res.(map[string]any)["sessions"].([]sessionView)
	assert.Len(t, views, 2)
}

func TestSessionGetUnknownID(t *testing.T) {
	e := newTestEngine(t, &scriptedClient{})
	_, infoErr := e.SessionGet(context.Background(), json.RawMessage(`{"session_id":"nope"}`))
	require.NotNil(t, infoErr)
	assert.Equal(t, errinfo.CodeSessionNotFound, infoErr.ErrorCode)
}

func TestSessionSendUserMessagePersistsConversation(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{resp: &llm.ChatResponse{Content: "Hello! Tell me about the data you need to reconcile.", FinishReason: "stop"}},
	}}
	e := newTestEngine(t, client)
	setKey(t, e, settings.ProviderOpenAI)
	sess := createSession(t, e)

	res, infoErr := e.SessionSendUserMessage(context.Background(),
		json.RawMessage(`{"session_id":"`+sess.SessionID+`","text":"hi"}`))
	require.Nil(t, infoErr)
	out := res.(map[string]any)
	assert.Equal(t, phase.Greeting, out["phase"])

	convRes, infoErr := e.SessionGetConversation(context.Background(),
		json.RawMessage(`{"session_id":"`+sess.SessionID+`"}`))
	require.Nil(t, infoErr)
	turns := convRes.(map[string]any)["turns"].([]session.Turn)
	require.Len(t, turns, 2)
	assert.Equal(t, session.RoleUser, turns[0].Role)
	assert.Equal(t, "hi", turns[0].Segments[0].Text)
	assert.Equal(t, session.RoleAgent, turns[1].Role)
}

func TestSessionSendUserMessageRequiresConfiguredProvider(t *testing.T) {
	e := newTestEngine(t, &scriptedClient{})
	sess := createSession(t, e)
	_, infoErr := e.SessionSendUserMessage(context.Background(),
		json.RawMessage(`{"session_id":"`+sess.SessionID+`","text":"hi"}`))
	require.NotNil(t, infoErr)
	assert.Equal(t, errinfo.CodeProviderNotConfigured, infoErr.ErrorCode)
}

func TestSessionSendUserMessageRejectsEmptyText(t *testing.T) {
	e := newTestEngine(t, &scriptedClient{})
	sess := createSession(t, e)
	_, infoErr := e.SessionSendUserMessage(context.Background(),
		json.RawMessage(`{"session_id":"`+sess.SessionID+`","text":"   "}`))
	require.NotNil(t, infoErr)
	assert.Equal(t, errinfo.CodeValidationFailed, infoErr.ErrorCode)
}

func TestSessionConfirmPairAdvancesOutOfDemonstration(t *testing.T) {
	e := newTestEngine(t, &scriptedClient{})
	sess := createSession(t, e)

	seed := session.NewUpdates()
	seed.Set(session.FieldPhase, phase.Demonstration)
	seed.Set(session.FieldConfirmedPairs, []recipe.ExamplePair{
		{Left: map[string]string{"invoice_id": "INV-1"}, Right: map[string]string{"payment_ref": "INV-1"}},
		{Left: map[string]string{"invoice_id": "INV-2"}, Right: map[string]string{"payment_ref": "INV-2"}},
	})
	_, err := e.sessions.ApplyUpdates(sess.SessionID, seed)
	require.NoError(t, err)

	res, infoErr := e.SessionConfirmPair(context.Background(), json.RawMessage(`{
		"session_id":"`+sess.SessionID+`",
		"left":{"invoice_id":"INV-3"},
		"right":{"payment_ref":"INV-3"}
	}`))
	require.Nil(t, infoErr)
	out := res.(map[string]any)
	assert.Equal(t, 3, out["confirmed_pairs"])
	assert.Equal(t, phase.Inference, out["phase"])
}

func TestSessionConfirmPairRequiresBothRows(t *testing.T) {
	e := newTestEngine(t, &scriptedClient{})
	sess := createSession(t, e)
	_, infoErr := e.SessionConfirmPair(context.Background(),
		json.RawMessage(`{"session_id":"`+sess.SessionID+`","left":{"a":"1"}}`))
	require.NotNil(t, infoErr)
	assert.Equal(t, errinfo.CodeValidationFailed, infoErr.ErrorCode)
}

func TestSessionApproveValidationAdvancesToExecution(t *testing.T) {
	e := newTestEngine(t, &scriptedClient{})
	sess := createSession(t, e)

	seed := session.NewUpdates()
	seed.Set(session.FieldPhase, phase.Validation)
	seed.Set(session.FieldRecipeDraft, validDraft())
	_, err := e.sessions.ApplyUpdates(sess.SessionID, seed)
	require.NoError(t, err)

	res, infoErr := e.SessionApproveValidation(context.Background(),
		json.RawMessage(`{"session_id":"`+sess.SessionID+`","approved":true}`))
	require.Nil(t, infoErr)
	assert.Equal(t, phase.Execution, res.(map[string]any)["phase"])
}

func TestSessionApproveValidationRejectionStays(t *testing.T) {
	e := newTestEngine(t, &scriptedClient{})
	sess := createSession(t, e)

	seed := session.NewUpdates()
	seed.Set(session.FieldPhase, phase.Validation)
	seed.Set(session.FieldRecipeDraft, validDraft())
	_, err := e.sessions.ApplyUpdates(sess.SessionID, seed)
	require.NoError(t, err)

	res, infoErr := e.SessionApproveValidation(context.Background(),
		json.RawMessage(`{"session_id":"`+sess.SessionID+`","approved":false}`))
	require.Nil(t, infoErr)
	assert.Equal(t, phase.Validation, res.(map[string]any)["phase"])
}

func TestSessionRegisterUploadFillsLeftSlotFirst(t *testing.T) {
	e := newTestEngine(t, &scriptedClient{})
	sess := createSession(t, e)

	res, infoErr := e.SessionRegisterUpload(context.Background(), json.RawMessage(`{
		"session_id":"`+sess.SessionID+`",
		"uri":"file:///uploads/invoices.csv",
		"preview":{"columns":[{"name":"invoice_id","data_type":"text"}],"sample":[["INV-1"]],"row_count":120}
	}`))
	require.Nil(t, infoErr)
	out := res.(map[string]any)
	// Registering a source satisfies the greeting gate.
	assert.Equal(t, phase.Intent, out["phase"])

	stored, err := e.sessions.Get(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "file:///uploads/invoices.csv", stored.Facts.LeftAlias)
	require.Len(t, stored.Facts.SchemaLeft, 1)
	assert.Equal(t, "invoice_id", stored.Facts.SchemaLeft[0].Name)
	require.Len(t, stored.Facts.Sources, 1)
	assert.Equal(t, "csv", stored.Facts.Sources[0].SourceType)
}

func TestSessionRegisterUploadSecondFillsRightAndAdvances(t *testing.T) {
	e := newTestEngine(t, &scriptedClient{})
	sess := createSession(t, e)

	for _, uri := range []string{"file:///uploads/invoices.csv", "file:///uploads/payments.csv"} {
		_, infoErr := e.SessionRegisterUpload(context.Background(), json.RawMessage(`{
			"session_id":"`+sess.SessionID+`",
			"uri":"`+uri+`",
			"preview":{"columns":[{"name":"ref","data_type":"text"}],"sample":[["INV-1"]],"row_count":10}
		}`))
		require.Nil(t, infoErr)
	}

	stored, err := e.sessions.Get(sess.SessionID)
	require.NoError(t, err)
	// Both schemas captured, so intent is satisfied too.
	assert.Equal(t, phase.Scoping, stored.Phase)
	assert.Equal(t, "file:///uploads/payments.csv", stored.Facts.RightAlias)
	assert.Len(t, stored.Facts.Sources, 2)
}

func providerHasKey(t *testing.T, e *Engine) map[string]bool {
	t.Helper()
	res, infoErr := e.ProvidersGetStatus(context.Background(), nil)
	require.Nil(t, infoErr)
	data, err := json.Marshal(res)
	require.NoError(t, err)
	var out struct {
		Providers []struct {
			ProviderID string `json:"provider_id"`
			HasKey     bool   `json:"has_key"`
		} `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	keys := map[string]bool{}
	for _, entry := range out.Providers {
		keys[entry.ProviderID] = entry.HasKey
	}
	return keys
}

func TestProvidersKeyLifecycle(t *testing.T) {
	e := newTestEngine(t, &scriptedClient{})
	assert.False(t, providerHasKey(t, e)[settings.ProviderAnthropic])

	setKey(t, e, settings.ProviderAnthropic)
	assert.True(t, providerHasKey(t, e)[settings.ProviderAnthropic])

	_, infoErr := e.ProvidersClearApiKey(context.Background(),
		json.RawMessage(`{"provider_id":"anthropic"}`))
	require.Nil(t, infoErr)
	assert.False(t, providerHasKey(t, e)[settings.ProviderAnthropic])
}

func TestProvidersValidateMapsAuthFailure(t *testing.T) {
	client := &scriptedClient{validateErr: llm.ErrUnauthorized}
	e := newTestEngine(t, client)
	setKey(t, e, settings.ProviderOpenAI)

	_, infoErr := e.ProvidersValidate(context.Background(),
		json.RawMessage(`{"provider_id":"openai"}`))
	require.NotNil(t, infoErr)
	assert.Equal(t, errinfo.CodeProviderAuthFailed, infoErr.ErrorCode)
}

func TestBeginTurnRejectsConcurrentTurn(t *testing.T) {
	e := newTestEngine(t, &scriptedClient{})
	require.Nil(t, e.beginTurn("s-1"))
	infoErr := e.beginTurn("s-1")
	require.NotNil(t, infoErr)
	assert.Equal(t, errinfo.CodeSessionBusy, infoErr.ErrorCode)
	e.endTurn("s-1")
	assert.Nil(t, e.beginTurn("s-1"))
}
