package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/embedding"
	"github.com/hyperjump/shirabe/internal/ledger"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/retriever"
	"github.com/hyperjump/shirabe/internal/snapshot"
	"github.com/hyperjump/shirabe/internal/updater"
)

type testEnv struct {
	srv     *Server
	handler http.Handler
	cfg     *config.Config
}

func newTestEnv(t *testing.T, withLedger bool) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Index.IndexPath = filepath.Join(dir, "index", "vectors.bin")
	cfg.Index.MetadataPath = filepath.Join(dir, "index", "metadata.jsonl")
	cfg.Watch.Debounce = "50ms"

	repo, err := snapshot.FromConfig(&cfg.Index, snapshot.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	emb, err := embedding.NewStaticEmbedder(3, map[string][]float32{
		"alpha": {1, 0, 0},
		"beta":  {0, 1, 0},
		"gamma": {0.99, 0.1, 0},
		"query": {1, 0, 0},
	})
	require.NoError(t, err)

	var l *ledger.Ledger
	var opts []updater.Option
	if withLedger {
		l, err = ledger.Open(filepath.Join(dir, "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Close() })
		opts = append(opts, updater.WithLedger(l))
	}
	upd, err := updater.New(repo, emb, &cfg.Index, opts...)
	require.NoError(t, err)
	live, err := retriever.NewLive(retriever.RepositoryLoader(repo, emb, cfg), zap.NewNop())
	require.NoError(t, err)

	srv := NewServer(live, upd, repo, l, cfg, zap.NewNop())
	return &testEnv{srv: srv, handler: srv.Router(), cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func abc() map[string]interface{} {
	chunk := func(doc, text string) map[string]string {
		return map[string]string{"chunk_id": doc + "__0", "document_id": doc, "text": text, "section": "World"}
	}
	return map[string]interface{}{"chunks": []interface{}{chunk("A", "alpha"), chunk("B", "beta"), chunk("C", "gamma")}}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSearch_EmptyIndex(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodPost, "/api/v1/search", map[string]string{"query": "query"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAddChunksThenSearch(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, http.MethodPost, "/api/v1/chunks", abc())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[updater.Report](t, w)
	assert.Equal(t, 3, report.Added)

	w = env.do(t, http.MethodPost, "/api/v1/search",
		`{"query":"query","top_k":2,"score_threshold":0,"diversify":true,"filters":{"section":"world"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.SearchResponse](t, w)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "A", resp.Results[0].DocumentID)
	assert.Equal(t, "B", resp.Results[1].DocumentID)
	assert.Equal(t, 1, resp.Results[0].Rank)

	w = env.do(t, http.MethodPost, "/api/v1/chunks", abc())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[updater.Report](t, w).Added)
}

func TestSearch_Errors(t *testing.T) {
	env := newTestEnv(t, false)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/chunks", abc()).Code)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"query":`, http.StatusBadRequest},
		{"unknown field", `{"query":"query","limit":3}`, http.StatusBadRequest},
		{"empty query", `{"query":"  "}`, http.StatusBadRequest},
		{"unknown filter", `{"query":"query","filters":{"colour":"red"}}`, http.StatusBadRequest},
		{"encoding failure", `{"query":"not registered"}`, http.StatusBadGateway},
		{"no filter match", `{"query":"query","filters":{"section":"Business"}}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/search", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestAddChunks_Invalid(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodPost, "/api/v1/chunks", `{"chunks":[{"chunk_id":"a__0","document_id":"a","text":"alpha","colour":"red"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/chunks", `{"chunks":[{"chunk_id":"a__0","text":"alpha"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusAndRuns(t *testing.T) {
	env := newTestEnv(t, true)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/chunks", abc()).Code)

	w := env.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[statusResponse](t, w)
	assert.Equal(t, 3, st.Index.Vectors)
	assert.Equal(t, 3, st.Index.Dimensions)
	assert.True(t, st.Files.Vectors.Exists)
	assert.True(t, st.Files.Metadata.Exists)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, 3, st.LastRun.Added)

	w = env.do(t, http.MethodGet, "/api/v1/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode[map[string][]ledger.Run](t, w)
	assert.Len(t, runs["runs"], 1)

	w = env.do(t, http.MethodGet, "/api/v1/runs?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRuns_WithoutLedger(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/api/v1/runs", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestReload(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodPost, "/api/v1/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[retriever.Stats](t, w).Vectors)

	// Corrupt the live metadata: reload fails and the previous snapshot stays in service.
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/chunks", abc()).Code)
	require.NoError(t, os.WriteFile(env.cfg.Index.MetadataPath, []byte("junk\n"), 0644))
	w = env.do(t, http.MethodPost, "/api/v1/reload", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 3, env.srv.live.Current().Stats().Vectors)
}

func TestInboxIngestion(t *testing.T) {
	env := newTestEnv(t, false)
	inbox := filepath.Join(t.TempDir(), "inbox")
	env.cfg.Watch.InboxDirectories = []string{inbox}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, env.srv.startWatchers(ctx))
	defer env.srv.Stop(context.Background())

	line := `{"chunk_id":"A__0","document_id":"A","text":"alpha"}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "batch.jsonl"), []byte(line), 0644))

	deadline := time.Now().Add(3 * time.Second)
	for env.srv.live.Current().Stats().Vectors == 0 {
		if time.Now().After(deadline) {
			t.Fatal("inbox batch was not ingested")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", models.ErrInvalidQuery), http.StatusBadRequest},
		{models.ErrInvalidChunk, http.StatusBadRequest},
		{models.ErrEmptyIndex, http.StatusConflict},
		{&models.DimensionMismatchError{Got: 4, Want: 3}, http.StatusConflict},
		{models.ErrModelMismatch, http.StatusConflict},
		{fmt.Errorf("%w: %w", models.ErrEncoding, errors.New("timeout")), http.StatusBadGateway},
		{models.ErrCancelled, http.StatusServiceUnavailable},
		{&models.CorruptIndexError{Artifact: models.ArtifactMetadata}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
