package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const schemaVersion = 1

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	defaultOpenAIModel    = "gpt-4o"
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultBackendBaseURL = "http://localhost:8080"
	defaultRunPollMs      = 2000
	defaultRunMaxWaitMs   = 300000
	defaultSampleWaitMs   = 60000
)

type ProviderSettings struct {
	Enabled bool   `json:"enabled"`
	Model   string `json:"model,omitempty"`
}

type Settings struct {
	SchemaVersion   int                         `json:"schema_version"`
	Providers       map[string]ProviderSettings `json:"providers"`
	DefaultProvider string                      `json:"default_provider,omitempty"`
	BackendBaseURL  string                      `json:"backend_base_url,omitempty"`
	RunPollMs       int                         `json:"run_poll_ms,omitempty"`
	RunMaxWaitMs    int                         `json:"run_max_wait_ms,omitempty"`
	SampleWaitMs    int                         `json:"sample_run_max_wait_ms,omitempty"`
}

type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultSettings(), nil
		}
		return nil, err
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	backfillSettings(&settings)
	return &settings, nil
}

func (s *Store) Save(settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backfillSettings(settings)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *Store) Update(fn func(*Settings)) (*Settings, error) {
	settings, err := s.Load()
	if err != nil {
		return nil, err
	}
	fn(settings)
	return settings, s.Save(settings)
}

func defaultSettings() *Settings {
	return &Settings{
		SchemaVersion: schemaVersion,
		Providers: map[string]ProviderSettings{
			ProviderOpenAI:    {Enabled: true, Model: defaultOpenAIModel},
			ProviderAnthropic: {Enabled: true, Model: defaultAnthropicModel},
		},
		DefaultProvider: ProviderOpenAI,
		BackendBaseURL:  defaultBackendBaseURL,
		RunPollMs:       defaultRunPollMs,
		RunMaxWaitMs:    defaultRunMaxWaitMs,
		SampleWaitMs:    defaultSampleWaitMs,
	}
}

func backfillSettings(settings *Settings) {
	if settings.SchemaVersion == 0 {
		settings.SchemaVersion = schemaVersion
	}
	if settings.Providers == nil {
		settings.Providers = map[string]ProviderSettings{}
	}
	backfillProvider(settings.Providers, ProviderOpenAI, defaultOpenAIModel)
	backfillProvider(settings.Providers, ProviderAnthropic, defaultAnthropicModel)
	if !knownProvider(settings.DefaultProvider) {
		settings.DefaultProvider = ProviderOpenAI
	}
	if strings.TrimSpace(settings.BackendBaseURL) == "" {
		settings.BackendBaseURL = defaultBackendBaseURL
	}
	settings.BackendBaseURL = strings.TrimRight(settings.BackendBaseURL, "/")
	if settings.RunPollMs <= 0 {
		settings.RunPollMs = defaultRunPollMs
	}
	if settings.RunMaxWaitMs <= 0 {
		settings.RunMaxWaitMs = defaultRunMaxWaitMs
	}
	if settings.SampleWaitMs <= 0 {
		settings.SampleWaitMs = defaultSampleWaitMs
	}
}

func backfillProvider(providers map[string]ProviderSettings, providerID, defaultModel string) {
	entry, ok := providers[providerID]
	if !ok {
		providers[providerID] = ProviderSettings{Enabled: true, Model: defaultModel}
		return
	}
	if strings.TrimSpace(entry.Model) == "" {
		entry.Model = defaultModel
	}
	providers[providerID] = entry
}

func knownProvider(providerID string) bool {
	return providerID == ProviderOpenAI || providerID == ProviderAnthropic
}
