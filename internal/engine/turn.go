package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"matchbook/engine/internal/diff"
	"matchbook/engine/internal/errinfo"
	"matchbook/engine/internal/llm"
	"matchbook/engine/internal/phase"
	"matchbook/engine/internal/session"
	"matchbook/engine/internal/tools"
)

// maxGenerations bounds the generate/execute-tools loop within one turn.
const maxGenerations = 16

// modelUnavailableText is the single segment a turn returns when the
// generation call itself fails.
const modelUnavailableText = "Sorry, I couldn't reach the model service just now. Nothing was changed; please try again in a moment."

const behaviorRules = `You are a data reconciliation assistant. You guide the user through
building a match recipe step by step: find their sources, capture both
schemas, scope the data, collect confirmed match examples, infer rules,
validate, and finally run the recipe. Use the available tools to gather
facts instead of guessing. Ask the user before moving on when their
intent is unclear. Keep answers short and concrete.`

// TurnResult is what one conversational turn produced.
type TurnResult struct {
	Segments []session.Segment
	Updates  *session.Updates
	Phase    string
}

// runTurn drives one user utterance through the generate/execute-tools
// loop. It mutates only a working copy of the session; the caller persists
// the returned updates.
func (e *Engine) runTurn(ctx context.Context, client llm.Client, sess *session.Session, userText string) (*TurnResult, *errinfo.ErrorInfo) {
	working := sess.Clone()
	updates := session.NewUpdates()
	var segments []session.Segment

	cfg, err := phase.GetConfig(working.Phase)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaTurn, err.Error())
	}
	if err := phase.CheckPrerequisites(cfg, working); err != nil {
		var prereq *phase.PrerequisiteError
		if errors.As(err, &prereq) {
			e.logger.Warn("turn.prerequisites_missing", "session_id", sess.ID, "phase", prereq.Phase, "missing", strings.Join(prereq.Missing, ","))
			return nil, errinfo.PrerequisiteMissing(sess.ID, prereq.Phase, prereq.Missing)
		}
		return nil, errinfo.ValidationFailed(errinfo.AreaTurn, err.Error())
	}

	sampleWait, fullWait := e.runWaits()
	handler := tools.NewHandler(e.backend, working,
		tools.WithLogger(e.logger.With("session_id", sess.ID)),
		tools.WithRunWaits(sampleWait, fullWait),
	)

	messages := historyMessages(working)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: userText})

	// Turn-scoped; failures never persist across turns.
	failures := make(map[string]int)
	exhausted := make(map[string]bool)

	for generation := 0; generation < maxGenerations; generation++ {
		cfg, err = phase.GetConfig(working.Phase)
		if err != nil {
			return nil, errinfo.ValidationFailed(errinfo.AreaTurn, err.Error())
		}
		offered := tools.Select(cfg.AllowedTools, exhausted)
		req := llm.ChatRequest{
			Instructions: buildInstructions(cfg, working),
			History:      messages,
			Tools:        offered,
		}
		e.logger.Info("turn.api_request", "session_id", sess.ID, "phase", working.Phase,
			"generation", generation, "messages", len(messages), "tools_offered", len(offered))

		start := time.Now()
		resp, err := client.ChatWithTools(ctx, req)
		if err != nil {
			e.logger.Warn("turn.api_error", "session_id", sess.ID, "generation", generation, "error", err.Error())
			return &TurnResult{
				Segments: []session.Segment{session.TextSegment(modelUnavailableText)},
				Updates:  session.NewUpdates(),
				Phase:    sess.Phase,
			}, nil
		}
		e.logger.Info("turn.api_response", "session_id", sess.ID, "generation", generation,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"tool_call_count", len(resp.ToolCalls), "finish_reason", resp.FinishReason)

		if strings.TrimSpace(resp.Content) != "" {
			segments = append(segments, session.TextSegment(resp.Content))
		}
		if len(resp.ToolCalls) == 0 {
			break
		}
		messages = append(messages, llm.ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			name := call.Function.Name
			toolStart := time.Now()
			result, toolErr := handler.Execute(ctx, call)
			if toolErr != nil {
				failures[name]++
				e.logger.Warn("turn.tool_error", "session_id", sess.ID, "tool", name,
					"failures", failures[name], "error", toolErr.Error())
				if failures[name] >= cfg.Retry.MaxRetriesPerTool {
					if cfg.Retry.OnExhausted == phase.ExhaustSkipPhase {
						e.logger.Warn("turn.exhaust_skip_phase_unsupported", "tool", name, "phase", working.Phase)
					}
					exhausted[name] = true
					e.logger.Info("turn.tool_exhausted", "session_id", sess.ID, "tool", name)
				}
				messages = append(messages, llm.ChatMessage{
					Role:       "tool",
					ToolCallID: call.ID,
					Content:    fmt.Sprintf("Error: %s", toolErr.Error()),
				})
				continue
			}
			e.logger.Info("turn.tool_complete", "session_id", sess.ID, "tool", name,
				"elapsed_ms", time.Since(toolStart).Milliseconds(), "result_bytes", len(result.Payload))

			segments = applyToolResult(working, updates, segments, name, result)
			messages = append(messages, llm.ChatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    result.Payload,
			})
			advancePhases(working, updates, e.logger)
		}
	}

	return &TurnResult{Segments: segments, Updates: updates, Phase: working.Phase}, nil
}

// applyToolResult fires the session-update rules for one successful tool
// call. The rules are a flat ordered table, matched by tool name.
func applyToolResult(working *session.Session, updates *session.Updates, segments []session.Segment, name string, result *tools.Result) []session.Segment {
	switch name {
	case tools.ListSources:
		working.Facts.Sources = result.Sources
		updates.Set(session.FieldSourcesList, result.Sources)
		segments = append(segments, session.CardSegment("sources", "sources-list", result.Sources))

	case tools.GetSourcePreview:
		if result.Preview == nil {
			break
		}
		if isLeftSide(working, result.Alias) {
			working.Facts.SchemaLeft = result.Preview.Columns
			updates.Set(session.FieldSchemaLeft, result.Preview.Columns)
			working.Facts.LeftAlias = result.Alias
			updates.Set(session.FieldLeftAlias, result.Alias)
		} else {
			working.Facts.SchemaRight = result.Preview.Columns
			updates.Set(session.FieldSchemaRight, result.Preview.Columns)
			working.Facts.RightAlias = result.Alias
			updates.Set(session.FieldRightAlias, result.Alias)
		}
		segments = append(segments, session.CardSegment("source_preview", "preview-"+result.Alias, result.Preview))

	case tools.LoadScopedData:
		if result.Preview == nil {
			break
		}
		if isLeftSide(working, result.Alias) {
			working.Facts.LeftAlias = result.Alias
			working.Facts.SampleLeft = result.Preview.Rows
			updates.Set(session.FieldSampleLeft, result.Preview.Rows)
			if len(result.Conditions) > 0 {
				working.Facts.ScopeLeft = result.Conditions
				updates.Set(session.FieldScopeLeft, result.Conditions)
			}
		} else {
			working.Facts.RightAlias = result.Alias
			working.Facts.SampleRight = result.Preview.Rows
			updates.Set(session.FieldSampleRight, result.Preview.Rows)
			if len(result.Conditions) > 0 {
				working.Facts.ScopeRight = result.Conditions
				updates.Set(session.FieldScopeRight, result.Conditions)
			}
		}
		segments = append(segments, session.CardSegment("scoped_data", "scope-"+result.Alias, result.Preview))

	case tools.RequestFileUpload:
		if result.Upload != nil {
			segments = append(segments, session.CardSegment("upload_request", "upload-"+result.Upload.Filename, result.Upload))
		}

	case tools.ProposeMatch:
		if result.Candidate != nil {
			segments = append(segments, session.CardSegment("match_candidate", result.Candidate.CandidateID, result.Candidate))
		}

	case tools.InferMatchRules:
		// Recorded for the user; inference alone does not transition.
		if len(result.Rules) > 0 {
			segments = append(segments, session.CardSegment("inferred_rules", "rules", result.Rules))
		}

	case tools.BuildRecipe:
		if result.Recipe == nil {
			break
		}
		previous := working.Facts.RecipeDraft
		working.Facts.RecipeDraft = result.Recipe
		updates.Set(session.FieldRecipeDraft, result.Recipe)
		card := map[string]any{"recipe": result.Recipe}
		if previous != nil {
			if hunks, err := diff.Documents(previous, result.Recipe); err == nil && diff.Changed(hunks) {
				card["diff"] = hunks
			}
		}
		segments = append(segments, session.CardSegment("recipe_draft", result.Recipe.RecipeID, card))

	case tools.ValidateRecipe:
		segments = append(segments, session.CardSegment("validation_report", "validation", map[string]any{
			"valid":  len(result.Issues) == 0,
			"issues": result.Issues,
		}))

	case tools.RunSample:
		if result.Run != nil {
			segments = append(segments, session.CardSegment("run_result", result.Run.RunID, result.Run))
		}

	case tools.RunFull:
		if result.Run != nil {
			segments = append(segments, session.CardSegment("run_result", result.Run.RunID, result.Run))
		}
		working.Status = session.StatusRunning
		updates.Set(session.FieldStatus, session.StatusRunning)
	}
	return segments
}

// advancePhases walks the session forward while the current phase's
// advancement predicate holds. Progression is strictly forward and in
// order; several phases may be crossed within one turn.
func advancePhases(working *session.Session, updates *session.Updates, logger *slog.Logger) {
	for {
		cfg, err := phase.GetConfig(working.Phase)
		if err != nil {
			return
		}
		if !cfg.AdvancesWhen(working) {
			return
		}
		next, ok := phase.Next(working.Phase)
		if !ok {
			return
		}
		logger.Info("turn.phase_advanced", "from", working.Phase, "to", next)
		working.Phase = next
		updates.Set(session.FieldPhase, next)
	}
}

// isLeftSide decides which schema/sample slot an alias belongs to: the
// first alias seen is the left side, a different alias is the right side.
func isLeftSide(working *session.Session, alias string) bool {
	return working.Facts.LeftAlias == "" || working.Facts.LeftAlias == alias
}

// buildInstructions assembles the model-facing instruction text: fixed
// behavior rules, the phase instruction, the phase's context injections,
// and a short summary of already-established facts.
func buildInstructions(cfg phase.Config, working *session.Session) string {
	sections := []string{behaviorRules, "Current goal: " + cfg.Instruction}
	if injected := phase.BuildContext(cfg, working); injected != "" {
		sections = append(sections, injected)
	}
	if known := knownFacts(working); known != "" {
		sections = append(sections, known)
	}
	return strings.Join(sections, "\n\n")
}

func knownFacts(working *session.Session) string {
	var lines []string
	if working.Facts.LeftAlias != "" {
		lines = append(lines, "Left source: "+working.Facts.LeftAlias)
	}
	if working.Facts.RightAlias != "" {
		lines = append(lines, "Right source: "+working.Facts.RightAlias)
	}
	if n := len(working.Facts.ConfirmedPairs); n > 0 {
		lines = append(lines, fmt.Sprintf("Confirmed example pairs: %d", n))
	}
	if working.Facts.RecipeDraft != nil {
		lines = append(lines, "Recipe draft: "+working.Facts.RecipeDraft.RecipeID)
	}
	if len(lines) == 0 {
		return ""
	}
	return "Known so far:\n" + strings.Join(lines, "\n")
}

// historyMessages flattens prior conversation turns into chat messages.
// Card segments are not replayed; the injections carry that state.
func historyMessages(working *session.Session) []llm.ChatMessage {
	var out []llm.ChatMessage
	for _, turn := range working.Turns {
		role := "user"
		if turn.Role == session.RoleAgent {
			role = "assistant"
		}
		var text []string
		for _, segment := range turn.Segments {
			if segment.Type == session.SegmentText && segment.Text != "" {
				text = append(text, segment.Text)
			}
		}
		if len(text) == 0 {
			continue
		}
		out = append(out, llm.ChatMessage{Role: role, Content: strings.Join(text, "\n")})
	}
	return out
}
