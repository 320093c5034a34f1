package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListSources(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/sources", r.URL.Path)
		json.NewEncoder(w).Encode([]Source{
			{Alias: "invoices", URI: "s3://bucket/invoices.csv", SourceType: "csv", Status: "ready"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	sources, err := client.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "invoices", sources[0].Alias)
}

func TestListSourcesFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.ListSources(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Failed to list sources: 500 Internal Server Error", err.Error())
}

func TestGetPreviewDefaultsAndCapsLimit(t *testing.T) {
	var gotLimit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sources/invoices/preview", r.URL.Path)
		gotLimit = r.URL.Query().Get("limit")
		json.NewEncoder(w).Encode(Preview{Alias: "invoices", TotalRows: 100, PreviewRows: 10})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.GetPreview(context.Background(), "invoices", 0)
	require.NoError(t, err)
	assert.Equal(t, "10", gotLimit)

	_, err = client.GetPreview(context.Background(), "invoices", 5000)
	require.NoError(t, err)
	assert.Equal(t, "100", gotLimit)
}

func TestGetPreviewFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.GetPreview(context.Background(), "ledger", 10)
	require.Error(t, err)
	assert.Equal(t, "Failed to get preview for ledger: 404 Not Found", err.Error())
}

func TestLoadScopedSendsConditionsAndDefaultLimit(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/sources/ledger/load-scoped", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(Preview{Alias: "ledger", PreviewRows: 3})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	conditions := []Condition{{Column: "region", Op: "eq", Value: "EU"}}
	preview, err := client.LoadScoped(context.Background(), "ledger", conditions, 0)
	require.NoError(t, err)
	assert.Equal(t, "ledger", preview.Alias)
	assert.Equal(t, float64(200), got["limit"])
	require.Len(t, got["conditions"], 1)
}

func TestLoadScopedFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.LoadScoped(context.Background(), "ledger", nil, 50)
	require.Error(t, err)
	assert.Equal(t, "Failed to load scoped data from ledger: 400 Bad Request", err.Error())
}

func TestSaveRecipeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	err := client.SaveRecipe(context.Background(), SaveRecipeRequest{RecipeID: "r1", Name: "r1", Config: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, "Failed to save recipe: 422 Unprocessable Entity", err.Error())
}

func TestCreateRunFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.CreateRun(context.Background(), "r1")
	require.Error(t, err)
	assert.Equal(t, "Run creation failed: 503 Service Unavailable", err.Error())
}

func TestWaitForRunReturnsOnTerminalStatus(t *testing.T) {
	statuses := []string{RunStatusRunning, RunStatusRunning, "Completed"}
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/runs/run-1", r.URL.Path)
		json.NewEncoder(w).Encode(Run{RunID: "run-1", Status: statuses[calls], MatchedCount: 42})
		calls++
	}))
	defer server.Close()

	current := time.Unix(0, 0)
	client := NewClient(server.URL,
		WithPollInterval(time.Second),
		WithClock(func() time.Time { return current }, func(d time.Duration) { current = current.Add(d) }),
	)
	run, err := client.WaitForRun(context.Background(), "run-1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Completed", run.Status)
	assert.Equal(t, 42, run.MatchedCount)
	assert.Equal(t, 3, calls)
}

func TestWaitForRunTimeoutMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Run{RunID: "run-9", Status: RunStatusRunning})
	}))
	defer server.Close()

	current := time.Unix(0, 0)
	client := NewClient(server.URL,
		WithPollInterval(2*time.Second),
		WithClock(func() time.Time { return current }, func(d time.Duration) { current = current.Add(d) }),
	)
	_, err := client.WaitForRun(context.Background(), "run-9", 10*time.Second)
	require.Error(t, err)
	assert.Equal(t, "Run run-9 timed out after 10000ms", err.Error())
}

func TestGetRunStatusFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.GetRunStatus(context.Background(), "run-1")
	require.Error(t, err)
	assert.Equal(t, "Failed to get run status: 410 Gone", err.Error())
}

func TestNormalizeUploadPreview(t *testing.T) {
	upload := UploadPreview{
		Columns:  []Column{{Name: "id", DataType: "int64", Nullable: false}},
		Sample:   [][]string{{"1"}, {"2"}},
		RowCount: 250,
	}
	preview := NormalizeUploadPreview("uploads/2026/invoices.csv", upload)
	assert.Equal(t, "uploads/2026/invoices.csv", preview.Alias)
	assert.Equal(t, 250, preview.TotalRows)
	assert.Equal(t, 2, preview.PreviewRows)
	require.Len(t, preview.Columns, 1)
}

func TestSourceTypeForURI(t *testing.T) {
	cases := map[string]string{
		"s3://bucket/data.csv":          "csv",
		"file:///tmp/data.parquet":      "parquet",
		"postgres://db:5432/orders":     "postgres",
		"postgresql://db:5432/payments": "postgres",
		"uploads/raw.bin":               "file",
	}
	for uri, want := range cases {
		assert.Equal(t, want, SourceTypeForURI(uri), uri)
	}
}
