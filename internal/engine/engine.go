// Package engine owns the long-lived process state (settings, secrets,
// sessions, provider clients, the backend client) and exposes the RPC
// methods the UI calls. The conversational turn loop lives in turn.go.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"matchbook/engine/internal/anthropic"
	"matchbook/engine/internal/appdirs"
	"matchbook/engine/internal/backend"
	"matchbook/engine/internal/errinfo"
	"matchbook/engine/internal/llm"
	"matchbook/engine/internal/logging"
	"matchbook/engine/internal/openai"
	"matchbook/engine/internal/phase"
	"matchbook/engine/internal/secrets"
	"matchbook/engine/internal/session"
	"matchbook/engine/internal/settings"
	"matchbook/engine/internal/tools"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// APIVersion is the RPC contract version the UI must match.
const APIVersion = "1"

// ClientFactory builds a provider client from stored credentials.
type ClientFactory func(providerID, apiKey, model string) (llm.Client, error)

// Engine is the process-wide service behind the RPC surface.
type Engine struct {
	dataDir   string
	settings  *settings.Store
	secrets   *secrets.Store
	sessions  *session.Store
	backend   tools.Backend
	logger    *slog.Logger
	newClient ClientFactory

	turnMu      sync.Mutex
	activeTurns map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDataDir overrides the platform data directory, for tests.
func WithDataDir(dir string) Option {
	return func(e *Engine) { e.dataDir = dir }
}

// WithBackendClient substitutes the reconciliation backend client.
func WithBackendClient(be tools.Backend) Option {
	return func(e *Engine) {
		if be != nil {
			e.backend = be
		}
	}
}

// WithClientFactory substitutes provider client construction, for tests.
func WithClientFactory(factory ClientFactory) Option {
	return func(e *Engine) {
		if factory != nil {
			e.newClient = factory
		}
	}
}

// New builds an Engine, creating its data directory, stores, and backend
// client.
func New(opts ...Option) (*Engine, error) {
	engine := &Engine{
		logger:      logging.Nop(),
		newClient:   defaultClientFactory,
		activeTurns: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(engine)
	}
	if engine.dataDir == "" {
		dataDir, err := appdirs.DataDir()
		if err != nil {
			return nil, err
		}
		engine.dataDir = dataDir
	}
	if err := os.MkdirAll(engine.dataDir, 0o755); err != nil {
		return nil, err
	}
	engine.settings = settings.NewStore(filepath.Join(engine.dataDir, "settings.json"))
	engine.secrets = secrets.NewStore(
		filepath.Join(engine.dataDir, "secrets.enc"),
		filepath.Join(engine.dataDir, "master.key"),
	)
	sessions, err := session.NewStore(appdirs.SessionsDBPath(engine.dataDir))
	if err != nil {
		return nil, err
	}
	engine.sessions = sessions
	if engine.backend == nil {
		cfg, err := engine.settings.Load()
		if err != nil {
			return nil, err
		}
		engine.backend = backend.NewClient(cfg.BackendBaseURL,
			backend.WithLogger(engine.logger.With("component", "backend")),
			backend.WithPollInterval(time.Duration(cfg.RunPollMs)*time.Millisecond),
		)
	}
	engine.logger.Debug("engine.init", "data_dir", engine.dataDir)
	return engine, nil
}

// Close releases the engine's resources.
func (e *Engine) Close() error {
	return e.sessions.Close()
}

func defaultClientFactory(providerID, apiKey, model string) (llm.Client, error) {
	switch providerID {
	case settings.ProviderOpenAI:
		return openai.New(apiKey, model)
	case settings.ProviderAnthropic:
		return anthropic.New(apiKey, model)
	default:
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}
}

// EngineGetInfo reports identity and version, used by the UI handshake.
func (e *Engine) EngineGetInfo(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	return map[string]any{
		"name":    "matchbook-engine",
		"version": Version,
		"phases":  phase.Order,
	}, nil
}

// ProvidersGetStatus lists each provider's configuration state.
func (e *Engine) ProvidersGetStatus(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	cfg, err := e.settings.Load()
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSettings, err.Error())
	}
	type providerStatus struct {
		ProviderID string `json:"provider_id"`
		Enabled    bool   `json:"enabled"`
		Model      string `json:"model"`
		HasKey     bool   `json:"has_key"`
		IsDefault  bool   `json:"is_default"`
	}
	var out []providerStatus
	for _, id := range []string{settings.ProviderOpenAI, settings.ProviderAnthropic} {
		entry := cfg.Providers[id]
		key, keyErr := e.secrets.GetProviderKey(id)
		out = append(out, providerStatus{
			ProviderID: id,
			Enabled:    entry.Enabled,
			Model:      entry.Model,
			HasKey:     keyErr == nil && key != "",
			IsDefault:  cfg.DefaultProvider == id,
		})
	}
	return map[string]any{"providers": out}, nil
}

// ProvidersSetApiKey stores a provider API key.
func (e *Engine) ProvidersSetApiKey(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
		APIKey     string `json:"api_key"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaProviders, "invalid params")
	}
	if err := e.secrets.SetProviderKey(req.ProviderID, req.APIKey); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaProviders, err.Error())
	}
	e.logger.Info("providers.api_key_set", "provider_id", req.ProviderID)
	return map[string]any{"ok": true}, nil
}

// ProvidersClearApiKey removes a provider API key.
func (e *Engine) ProvidersClearApiKey(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaProviders, "invalid params")
	}
	if err := e.secrets.ClearProviderKey(req.ProviderID); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaProviders, err.Error())
	}
	e.logger.Info("providers.api_key_cleared", "provider_id", req.ProviderID)
	return map[string]any{"ok": true}, nil
}

// ProvidersValidate checks the stored key against the provider's API.
func (e *Engine) ProvidersValidate(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		ProviderID string `json:"provider_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaProviders, "invalid params")
	}
	client, infoErr := e.providerClient(req.ProviderID)
	if infoErr != nil {
		return nil, infoErr
	}
	if err := client.ValidateKey(ctx); err != nil {
		if errors.Is(err, llm.ErrUnauthorized) {
			return nil, errinfo.ProviderAuthFailed(req.ProviderID)
		}
		return nil, errinfo.ProviderUnavailable(req.ProviderID, err.Error())
	}
	return map[string]any{"valid": true}, nil
}

// providerClient builds the client for a provider id, or for the default
// provider when the id is empty.
func (e *Engine) providerClient(providerID string) (llm.Client, *errinfo.ErrorInfo) {
	cfg, err := e.settings.Load()
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.AreaSettings, err.Error())
	}
	if providerID == "" {
		providerID = cfg.DefaultProvider
	}
	entry, ok := cfg.Providers[providerID]
	if !ok || !entry.Enabled {
		return nil, errinfo.ProviderNotConfigured(providerID)
	}
	key, err := e.secrets.GetProviderKey(providerID)
	if err != nil || key == "" {
		return nil, errinfo.ProviderNotConfigured(providerID)
	}
	client, err := e.newClient(providerID, key, entry.Model)
	if err != nil {
		return nil, errinfo.ProviderUnavailable(providerID, err.Error())
	}
	return client, nil
}

// runWaits returns the polling deadlines for sample and full runs.
func (e *Engine) runWaits() (sample, full time.Duration) {
	cfg, err := e.settings.Load()
	if err != nil {
		return time.Minute, 5 * time.Minute
	}
	return time.Duration(cfg.SampleWaitMs) * time.Millisecond,
		time.Duration(cfg.RunMaxWaitMs) * time.Millisecond
}

// beginTurn marks a session as having a turn in flight. Turns for one
// session never run concurrently.
func (e *Engine) beginTurn(sessionID string) *errinfo.ErrorInfo {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()
	if e.activeTurns[sessionID] {
		return errinfo.SessionBusy(sessionID)
	}
	e.activeTurns[sessionID] = true
	return nil
}

func (e *Engine) endTurn(sessionID string) {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()
	delete(e.activeTurns, sessionID)
}
