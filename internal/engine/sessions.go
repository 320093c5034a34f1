package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"matchbook/engine/internal/backend"
	"matchbook/engine/internal/errinfo"
	"matchbook/engine/internal/phase"
	"matchbook/engine/internal/recipe"
	"matchbook/engine/internal/session"
)

type sessionView struct {
	SessionID string        `json:"session_id"`
	Status    string        `json:"status"`
	Phase     string        `json:"phase"`
	Facts     session.Facts `json:"facts"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
}

func viewOf(sess *session.Session) sessionView {
	return sessionView{
		SessionID: sess.ID,
		Status:    sess.Status,
		Phase:     sess.Phase,
		Facts:     sess.Facts,
		CreatedAt: sess.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: sess.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (e *Engine) loadSession(sessionID string) (*session.Session, *errinfo.ErrorInfo) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, "session_id is required")
	}
	sess, err := e.sessions.Get(sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, errinfo.SessionNotFound(sessionID)
	}
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, err.Error())
	}
	return sess, nil
}

// SessionCreate starts a new conversation in the greeting phase.
func (e *Engine) SessionCreate(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	sess, err := e.sessions.Create(phase.Greeting)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, err.Error())
	}
	e.logger.Info("session.created", "session_id", sess.ID)
	return viewOf(sess), nil
}

// SessionGet returns a session's state without conversation history.
func (e *Engine) SessionGet(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, "invalid params")
	}
	sess, infoErr := e.loadSession(req.SessionID)
	if infoErr != nil {
		return nil, infoErr
	}
	return viewOf(sess), nil
}

// SessionList returns all sessions, newest first.
func (e *Engine) SessionList(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	sessions, err := e.sessions.List()
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, err.Error())
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, viewOf(sess))
	}
	return map[string]any{"sessions": views}, nil
}

// SessionGetConversation returns the ordered turn history.
func (e *Engine) SessionGetConversation(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, "invalid params")
	}
	sess, infoErr := e.loadSession(req.SessionID)
	if infoErr != nil {
		return nil, infoErr
	}
	return map[string]any{"turns": sess.Turns}, nil
}

// SessionSendUserMessage runs one conversational turn and persists its
// outcome.
func (e *Engine) SessionSendUserMessage(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, "invalid params")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, "empty message")
	}
	if infoErr := e.beginTurn(req.SessionID); infoErr != nil {
		return nil, infoErr
	}
	defer e.endTurn(req.SessionID)

	sess, infoErr := e.loadSession(req.SessionID)
	if infoErr != nil {
		return nil, infoErr
	}
	client, infoErr := e.providerClient("")
	if infoErr != nil {
		return nil, infoErr
	}

	result, infoErr := e.runTurn(ctx, client, sess, req.Text)
	if infoErr != nil {
		return nil, infoErr
	}

	if err := e.sessions.AppendTurn(sess.ID, session.Turn{
		Role:     session.RoleUser,
		Segments: []session.Segment{session.TextSegment(req.Text)},
	}); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, err.Error())
	}
	if len(result.Segments) > 0 {
		if err := e.sessions.AppendTurn(sess.ID, session.Turn{
			Role:     session.RoleAgent,
			Segments: result.Segments,
		}); err != nil {
			return nil, errinfo.ValidationFailed(errinfo.AreaSession, err.Error())
		}
	}
	saved, err := e.sessions.ApplyUpdates(sess.ID, result.Updates)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, err.Error())
	}
	e.logger.Info("session.turn_complete", "session_id", sess.ID,
		"phase", saved.Phase, "updates", len(result.Updates.Fields()), "segments", len(result.Segments))
	return map[string]any{
		"segments":       result.Segments,
		"updates":        result.Updates.Map(),
		"updated_fields": result.Updates.Fields(),
		"phase":          saved.Phase,
		"session":        viewOf(saved),
	}, nil
}

// SessionConfirmPair records a user-confirmed match example and advances
// the phase when the confirmation satisfies the current predicate.
func (e *Engine) SessionConfirmPair(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string            `json:"session_id"`
		Left      map[string]string `json:"left"`
		Right     map[string]string `json:"right"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, "invalid params")
	}
	if len(req.Left) == 0 || len(req.Right) == 0 {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, "both left and right rows are required")
	}
	sess, infoErr := e.loadSession(req.SessionID)
	if infoErr != nil {
		return nil, infoErr
	}
	pairs := append(append([]recipe.ExamplePair(nil), sess.Facts.ConfirmedPairs...),
		recipe.ExamplePair{Left: req.Left, Right: req.Right})

	updates := session.NewUpdates()
	updates.Set(session.FieldConfirmedPairs, pairs)
	working := sess.Clone()
	working.Facts.ConfirmedPairs = pairs
	advancePhases(working, updates, e.logger)

	saved, err := e.sessions.ApplyUpdates(sess.ID, updates)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, err.Error())
	}
	e.logger.Info("session.pair_confirmed", "session_id", sess.ID, "pairs", len(pairs), "phase", saved.Phase)
	return map[string]any{"confirmed_pairs": len(pairs), "phase": saved.Phase}, nil
}

// SessionApproveValidation records the user's verdict on validation
// results. Approval is what moves the session from validation to
// execution.
func (e *Engine) SessionApproveValidation(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string `json:"session_id"`
		Approved  bool   `json:"approved"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, "invalid params")
	}
	sess, infoErr := e.loadSession(req.SessionID)
	if infoErr != nil {
		return nil, infoErr
	}
	updates := session.NewUpdates()
	updates.Set(session.FieldValidationApproved, req.Approved)
	working := sess.Clone()
	working.Facts.ValidationApproved = req.Approved
	if req.Approved {
		advancePhases(working, updates, e.logger)
	}
	saved, err := e.sessions.ApplyUpdates(sess.ID, updates)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, err.Error())
	}
	e.logger.Info("session.validation_reviewed", "session_id", sess.ID, "approved", req.Approved, "phase", saved.Phase)
	return map[string]any{"approved": req.Approved, "phase": saved.Phase}, nil
}

// SessionRegisterUpload registers an uploaded file as a source and
// captures its schema, supporting the upload-first flow where a user
// brings a file before any source listing.
func (e *Engine) SessionRegisterUpload(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		SessionID string                `json:"session_id"`
		URI       string                `json:"uri"`
		Preview   backend.UploadPreview `json:"preview"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, "invalid params")
	}
	if strings.TrimSpace(req.URI) == "" {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, "uri is required")
	}
	sess, infoErr := e.loadSession(req.SessionID)
	if infoErr != nil {
		return nil, infoErr
	}
	preview := backend.NormalizeUploadPreview(req.URI, req.Preview)
	source := backend.Source{
		Alias:      preview.Alias,
		URI:        req.URI,
		SourceType: backend.SourceTypeForURI(req.URI),
		Status:     "ready",
	}
	sources := append(append([]backend.Source(nil), sess.Facts.Sources...), source)

	updates := session.NewUpdates()
	updates.Set(session.FieldSourcesList, sources)
	working := sess.Clone()
	working.Facts.Sources = sources
	if len(working.Facts.SchemaLeft) == 0 {
		working.Facts.SchemaLeft = preview.Columns
		working.Facts.LeftAlias = preview.Alias
		updates.Set(session.FieldSchemaLeft, preview.Columns)
		updates.Set(session.FieldLeftAlias, preview.Alias)
	} else {
		working.Facts.SchemaRight = preview.Columns
		working.Facts.RightAlias = preview.Alias
		updates.Set(session.FieldSchemaRight, preview.Columns)
		updates.Set(session.FieldRightAlias, preview.Alias)
	}
	advancePhases(working, updates, e.logger)

	saved, err := e.sessions.ApplyUpdates(sess.ID, updates)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSession, err.Error())
	}
	e.logger.Info("session.upload_registered", "session_id", sess.ID, "uri", req.URI, "phase", saved.Phase)
	return map[string]any{"source": source, "preview": preview, "phase": saved.Phase}, nil
}
