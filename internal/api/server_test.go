package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"

	"github.com/kiliankoe/promptchain/internal/ai"
	"github.com/kiliankoe/promptchain/internal/game"
	"github.com/kiliankoe/promptchain/internal/orchestrator"
	"github.com/kiliankoe/promptchain/internal/store"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)

type stubTransformer struct {
	files *store.Files
	err   error
}

func (s *stubTransformer) Transform(ctx context.Context, source game.ImageRef, prompt string, opts ai.Options) (game.ImageRef, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.files.Save(ctx, opts.SessionID, "out.png", pngBytes)
}

type stubScorer struct{}

func (stubScorer) Score(ctx context.Context, snap game.Snapshot) (game.ScoreResult, error) {
	if snap.Status != game.StatusCompleted {
		return game.ScoreResult{}, fmt.Errorf("%w: not completed", game.ErrInsufficientData)
	}
	return game.ScoreResult{FinalScore: 201, ReferencePrompt: snap.Prompts[0].Text}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *stubTransformer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	files := store.NewFiles(afero.NewMemMapFs(), "/data")
	tr := &stubTransformer{files: files}
	o := orchestrator.New(game.NewRegistry(), files, tr, nil, stubScorer{}, orchestrator.Config{})
	r := gin.New()
	New(o).Mount(r)
	return r, tr
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func upload(t *testing.T, r http.Handler, id, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("image", filename)
	_, _ = fw.Write(data)
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/game/"+id+"/upload-image", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, w.Body.String())
	}
	return out
}

func TestGameFlowOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/api/game/create", map[string]any{"numPlayers": 2})
	if w.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	created := decode(t, w)
	id, _ := created["gameId"].(string)
	if id == "" || created["status"] != string(game.StatusAwaitingSeedImage) {
		t.Fatalf("unexpected create response %v", created)
	}

	if w := upload(t, r, id, "seed.png", pngBytes); w.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	for _, p := range []string{"sunset", "beach"} {
		w := do(t, r, http.MethodPost, "/api/game/"+id+"/submit-prompt", map[string]any{"prompt": p})
		if w.Code != http.StatusOK {
			t.Fatalf("submit %q: expected 200, got %d (%s)", p, w.Code, w.Body.String())
		}
	}

	st := decode(t, do(t, r, http.MethodGet, "/api/game/"+id+"/status", nil))
	if st["status"] != string(game.StatusCompleted) || st["isGameComplete"] != true || st["progressPercentage"] != 100.0 {
		t.Fatalf("unexpected status %v", st)
	}

	w = do(t, r, http.MethodGet, "/api/game/"+id+"/image/1", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("image: expected png, got %d %q", w.Code, w.Header().Get("Content-Type"))
	}

	score := decode(t, do(t, r, http.MethodPost, "/api/game/"+id+"/score", nil))
	if score["finalScore"] != 201.0 || score["referencePrompt"] != "sunset" {
		t.Fatalf("unexpected score %v", score)
	}

	w = do(t, r, http.MethodPost, "/api/game/"+id+"/submit-prompt", map[string]any{"prompt": "more"})
	if w.Code != http.StatusConflict || decode(t, w)["error"] != "invalid_state" {
		t.Fatalf("submit after completion: expected 409 invalid_state, got %d %s", w.Code, w.Body.String())
	}

	reset := decode(t, do(t, r, http.MethodPost, "/api/game/"+id+"/reset", nil))
	if reset["status"] != string(game.StatusAwaitingSeedImage) {
		t.Fatalf("unexpected reset response %v", reset)
	}
}

func TestErrorMapping(t *testing.T) {
	r, tr := newTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
		errTag string
	}{
		{"players out of range", http.MethodPost, "/api/game/create", map[string]any{"numPlayers": 7}, http.StatusBadRequest, "invalid_parameter"},
		{"players missing", http.MethodPost, "/api/game/create", map[string]any{}, http.StatusBadRequest, "invalid_parameter"},
		{"unknown game", http.MethodGet, "/api/game/nope/status", nil, http.StatusNotFound, "not_found"},
		{"bad image index", http.MethodGet, "/api/game/nope/image/x", nil, http.StatusBadRequest, "invalid_parameter"},
	}
	for _, tt := range tests {
		w := do(t, r, tt.method, tt.path, tt.body)
		if w.Code != tt.code || decode(t, w)["error"] != tt.errTag {
			t.Errorf("%s: expected %d %s, got %d %s", tt.name, tt.code, tt.errTag, w.Code, w.Body.String())
		}
	}

	id := decode(t, do(t, r, http.MethodPost, "/api/game/create", map[string]any{"numPlayers": 2}))["gameId"].(string)

	w := do(t, r, http.MethodPost, "/api/game/"+id+"/score", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("score before completion: expected 422, got %d", w.Code)
	}
	w = do(t, r, http.MethodPost, "/api/game/"+id+"/submit-prompt", map[string]any{"prompt": "x"})
	if w.Code != http.StatusConflict {
		t.Fatalf("submit before seed: expected 409, got %d", w.Code)
	}
	if w := upload(t, r, id, "notes.txt", []byte("hello")); w.Code != http.StatusBadRequest {
		t.Fatalf("bad upload: expected 400, got %d", w.Code)
	}
	w = do(t, r, http.MethodPost, "/api/game/"+id+"/generate-seed", map[string]any{"prompt": "a fox"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("generate without generator: expected 503, got %d", w.Code)
	}

	_ = upload(t, r, id, "seed.png", pngBytes)
	tr.err = fmt.Errorf("%w: bad json", game.ErrProtocol)
	w = do(t, r, http.MethodPost, "/api/game/"+id+"/submit-prompt", map[string]any{"prompt": "x"})
	if w.Code != http.StatusBadGateway || !strings.Contains(decode(t, w)["message"].(string), "bad json") {
		t.Fatalf("protocol error: expected 502, got %d %s", w.Code, w.Body.String())
	}
}

func TestStatusCode(t *testing.T) {
	if got := StatusCode(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("unknown errors should be 500, got %d", got)
	}
	wrapped := fmt.Errorf("turn 1: %w", game.ErrTransformationUnavailable)
	if got := StatusCode(wrapped); got != http.StatusServiceUnavailable {
		t.Fatalf("wrapped unavailable should be 503, got %d", got)
	}
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)
	for _, p := range []string{"/health", "/api/health"} {
		if w := do(t, r, http.MethodGet, p, nil); w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", p, w.Code)
		}
	}
}
