package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/photomentor/pmv/internal/critique"
	"github.com/photomentor/pmv/internal/engine"
	"github.com/photomentor/pmv/internal/ratelimit"
	"github.com/photomentor/pmv/internal/retrieval"
	"github.com/photomentor/pmv/internal/session"
	"github.com/photomentor/pmv/internal/storage"
)

// fakeEngine produces deterministic descriptions, critiques, and embeddings.
type fakeEngine struct {
	description string
	deltas      []string
	chatResp    string
	embed       []float32
}

func (f *fakeEngine) Describe(ctx context.Context, model, instruction string, image []byte, mimeType string) (string, error) {
	return f.description, nil
}

func (f *fakeEngine) Chat(ctx context.Context, model string, messages []engine.Message) (string, error) {
	return f.chatResp, nil
}

func (f *fakeEngine) ChatStream(ctx context.Context, model string, messages []engine.Message, onDelta func(string) error) error {
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeEngine) Embed(ctx context.Context, model, text string) ([]float32, error) {
	return f.embed, nil
}

type testApp struct {
	handler http.Handler
	store   *storage.Store
}

func newTestApp(t *testing.T, eng *fakeEngine, maxRequests int, adminToken string) *testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := critique.NewService(eng, retrieval.Disabled{}, store, critique.Config{
		VisionModel:   "vision",
		CritiqueModel: "chat",
		EmbedModel:    "embed",
	})
	embedder := retrieval.NewEmbedder(eng, "embed")
	limiter := ratelimit.New(store, maxRequests, time.Hour, false)

	return &testApp{
		handler: NewHandler(Deps{
			Critiques: svc,
			Store:     store,
			Limiter:   limiter,
			Embedder:  embedder,
			Token:     adminToken,
		}),
		store: store,
	}
}

func defaultEngine() *fakeEngine {
	return &fakeEngine{
		description: "a harbor at dusk",
		deltas:      []string{"## What Works Well\n", "Calm water. ", "## Areas for Improvement\n", "Crooked horizon."},
		chatResp:    `{"composition":4,"lighting":4,"color":3,"technical":3,"originality":4,"notes":""}`,
		embed:       []float32{0.6, 0.8},
	}
}

func multipartImage(t *testing.T, field string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "photo.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	// Minimal PNG signature so content-type sniffing identifies an image.
	if _, err := fw.Write([]byte("\x89PNG\r\n\x1a\n00000000")); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

// doCritique posts an image in blocking JSON mode and returns the response
// plus the session cookie issued or echoed by the server.
func doCritique(t *testing.T, app *testApp, cookie *http.Cookie) (*httptest.ResponseRecorder, *http.Cookie) {
	t.Helper()
	body, contentType := multipartImage(t, "image")
	req := httptest.NewRequest("POST", "/api/critique", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)

	out := cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			out = c
		}
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, defaultEngine(), 10, "")
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestCritiqueRequiresImage(t *testing.T) {
	app := newTestApp(t, defaultEngine(), 10, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "no image here")
	mw.Close()

	req := httptest.NewRequest("POST", "/api/critique", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCritiqueRejectsNonImage(t *testing.T) {
	app := newTestApp(t, defaultEngine(), 10, "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("image", "notes.txt")
	fw.Write([]byte("plain text, not an image"))
	mw.Close()

	req := httptest.NewRequest("POST", "/api/critique", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCritiqueJSONFlow(t *testing.T) {
	app := newTestApp(t, defaultEngine(), 10, "")

	rec, cookie := doCritique(t, app, nil)
	if rec.Code != 200 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if cookie == nil {
		t.Fatal("no session cookie issued")
	}

	var result struct {
		Critique string `json:"critique"`
		SavedID  *int64 `json:"savedId"`
		Version  *int   `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !strings.Contains(result.Critique, "Crooked horizon.") {
		t.Errorf("critique = %q", result.Critique)
	}
	if result.SavedID == nil || result.Version == nil || *result.Version != 1 {
		t.Fatalf("saved metadata = %+v", result)
	}

	// History in the same session sees the critique.
	req := httptest.NewRequest("GET", "/api/history", nil)
	req.AddCookie(cookie)
	histRec := httptest.NewRecorder()
	app.handler.ServeHTTP(histRec, req)
	if histRec.Code != 200 {
		t.Fatalf("history status = %d", histRec.Code)
	}
	var hist struct {
		Items []struct {
			ID          int64  `json:"id"`
			Description string `json:"description"`
		} `json:"items"`
	}
	if err := json.Unmarshal(histRec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(hist.Items) != 1 || hist.Items[0].ID != *result.SavedID {
		t.Fatalf("history = %+v", hist.Items)
	}
	if hist.Items[0].Description != "a harbor at dusk" {
		t.Errorf("history description = %q", hist.Items[0].Description)
	}

	// A fresh session sees nothing.
	otherRec := httptest.NewRecorder()
	app.handler.ServeHTTP(otherRec, httptest.NewRequest("GET", "/api/history", nil))
	var other struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(otherRec.Body.Bytes(), &other); err != nil {
		t.Fatalf("decoding foreign history: %v", err)
	}
	if len(other.Items) != 0 {
		t.Fatalf("foreign session sees %d items", len(other.Items))
	}
}

func TestHistoryCapsAtFifty(t *testing.T) {
	app := newTestApp(t, defaultEngine(), 10, "")
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 55; i++ {
		if _, err := app.store.InsertCritique(ctx, storage.Critique{
			SessionID: "sess-history",
			Critique:  fmt.Sprintf("critique %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("InsertCritique %d: %v", i, err)
		}
	}

	req := httptest.NewRequest("GET", "/api/history", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "sess-history"})
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("history status = %d", rec.Code)
	}

	var hist struct {
		Items []struct {
			Critique string `json:"critique"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(hist.Items) != 50 {
		t.Fatalf("got %d items, want the cap of 50", len(hist.Items))
	}
	// Newest first; the oldest five fall off the end.
	if hist.Items[0].Critique != "critique 54" {
		t.Errorf("first item = %q, want critique 54", hist.Items[0].Critique)
	}
	if hist.Items[49].Critique != "critique 5" {
		t.Errorf("last item = %q, want critique 5", hist.Items[49].Critique)
	}
}

func TestCritiqueStreamsSSE(t *testing.T) {
	app := newTestApp(t, defaultEngine(), 10, "")

	body, contentType := multipartImage(t, "image")
	req := httptest.NewRequest("POST", "/api/critique", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	dec := critique.NewDecoder(rec.Body)
	var text strings.Builder
	var sawSaved, sawDone bool
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("decoding stream: %v", err)
		}
		switch ev.Kind {
		case critique.KindDelta:
			text.WriteString(ev.Delta)
		case critique.KindSaved:
			sawSaved = true
		case critique.KindDone:
			sawDone = true
		case critique.KindError:
			t.Fatalf("error frame: %s", ev.Err)
		}
	}
	if !strings.Contains(text.String(), "Calm water.") {
		t.Errorf("streamed text = %q", text.String())
	}
	if !sawSaved || !sawDone {
		t.Errorf("sawSaved=%v sawDone=%v, want both", sawSaved, sawDone)
	}
}

func TestCritiqueRateLimited(t *testing.T) {
	app := newTestApp(t, defaultEngine(), 1, "")

	rec, cookie := doCritique(t, app, nil)
	if rec.Code != 200 {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec2, _ := doCritique(t, app, cookie)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec2.Code)
	}
	if !strings.Contains(rec2.Body.String(), "rate_limit_error") {
		t.Errorf("body = %q", rec2.Body.String())
	}
}

func TestRefineFlow(t *testing.T) {
	eng := defaultEngine()
	app := newTestApp(t, eng, 10, "")

	rec, cookie := doCritique(t, app, nil)
	var first struct {
		SavedID *int64 `json:"savedId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil || first.SavedID == nil {
		t.Fatalf("first critique response: %v %s", err, rec.Body.String())
	}

	eng.deltas = []string{"refined take"}
	payload, _ := json.Marshal(map[string]any{"id": *first.SavedID, "instructions": "more on color"})
	req := httptest.NewRequest("POST", "/api/critique/refine", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.AddCookie(cookie)
	refineRec := httptest.NewRecorder()
	app.handler.ServeHTTP(refineRec, req)

	if refineRec.Code != 200 {
		t.Fatalf("refine status = %d: %s", refineRec.Code, refineRec.Body.String())
	}
	var refined struct {
		Critique string `json:"critique"`
		Version  *int   `json:"version"`
	}
	if err := json.Unmarshal(refineRec.Body.Bytes(), &refined); err != nil {
		t.Fatalf("decoding refine response: %v", err)
	}
	if refined.Critique != "refined take" {
		t.Errorf("refined critique = %q", refined.Critique)
	}
	if refined.Version == nil || *refined.Version != 2 {
		t.Fatalf("refined version = %v, want 2", refined.Version)
	}
}

func TestRefineNotFound(t *testing.T) {
	app := newTestApp(t, defaultEngine(), 10, "")

	payload := []byte(`{"id": 12345}`)
	req := httptest.NewRequest("POST", "/api/critique/refine", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	app := newTestApp(t, defaultEngine(), 10, "")

	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/search", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSearchFindsSessionCritiques(t *testing.T) {
	app := newTestApp(t, defaultEngine(), 10, "")

	rec, cookie := doCritique(t, app, nil)
	if rec.Code != 200 {
		t.Fatalf("critique status = %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/search?q=harbor", nil)
	req.AddCookie(cookie)
	searchRec := httptest.NewRecorder()
	app.handler.ServeHTTP(searchRec, req)

	if searchRec.Code != 200 {
		t.Fatalf("search status = %d: %s", searchRec.Code, searchRec.Body.String())
	}
	var result struct {
		Results []struct {
			ID       int64   `json:"id"`
			Distance float32 `json:"distance"`
		} `json:"results"`
	}
	if err := json.Unmarshal(searchRec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding search response: %v", err)
	}
	if len(result.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(result.Results))
	}
	// The fake engine embeds query and critique identically, so the match is exact.
	if result.Results[0].Distance > 1e-5 {
		t.Errorf("distance = %v, want ~0", result.Results[0].Distance)
	}
}

func TestAdminAuth(t *testing.T) {
	app := newTestApp(t, defaultEngine(), 10, "secret-token")

	body := []byte(`{"title":"Composition basics","content":"fill the frame","source":"test"}`)

	req := httptest.NewRequest("POST", "/admin/ingest", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("POST", "/admin/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong-token status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("POST", "/admin/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("authenticated status = %d: %s", rec.Code, rec.Body.String())
	}

	var result map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding ingest response: %v", err)
	}
	if result["status"] != "queued" || result["id"] == "" {
		t.Fatalf("ingest response = %v", result)
	}

	doc, err := app.store.GetKnowledgeDoc(context.Background(), result["id"])
	if err != nil {
		t.Fatalf("GetKnowledgeDoc: %v", err)
	}
	if doc.Content != "fill the frame" {
		t.Errorf("doc content = %q", doc.Content)
	}

	// The embedding job is queued for the worker.
	var jobCount int
	if err := app.store.DB().QueryRow(`SELECT COUNT(*) FROM jobs WHERE type = 'embed_doc'`).Scan(&jobCount); err != nil {
		t.Fatalf("job count query: %v", err)
	}
	if jobCount != 1 {
		t.Fatalf("jobCount = %d, want 1", jobCount)
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	app := newTestApp(t, defaultEngine(), 10, "")

	req := httptest.NewRequest("POST", "/admin/ingest", strings.NewReader(`{"content":"x"}`))
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when admin routes are disabled", rec.Code)
	}
}
