package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/photomentor/pmv/internal/config"
	"github.com/photomentor/pmv/internal/session"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
	Cookie string
	Accept string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		cookie := ""
		if c, err := r.Cookie(session.CookieName); err == nil {
			cookie = c.Value
		}
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
			Cookie: cookie,
			Accept: r.Header.Get("Accept"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		session:    "test-session",
		adminToken: "test-token",
		httpClient: ts.server.Client(),
	}
}

func TestClientSendsSessionCookie(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/history": `{"items":[]}`,
	})

	resp, err := ts.client().get("/api/history")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Cookie != "test-session" {
		t.Errorf("session cookie = %q, want test-session", ts.requests[0].Cookie)
	}
}

func TestPostJSONBlockingSetsAccept(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/critique/refine": `{"critique":"better","savedId":2,"version":2}`,
	})

	resp, err := ts.client().postJSON("/api/critique/refine", map[string]any{"id": 1}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]any
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["critique"] != "better" {
		t.Errorf("critique = %v, want better", result["critique"])
	}

	if ts.requests[0].Accept != "application/json" {
		t.Errorf("Accept = %q, want application/json for blocking mode", ts.requests[0].Accept)
	}
}

func TestPostJSONStreamingOmitsAccept(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/critique/refine": `{}`,
	})

	resp, err := ts.client().postJSON("/api/critique/refine", map[string]any{"id": 1}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if got := ts.requests[0].Accept; strings.Contains(got, "application/json") {
		t.Errorf("Accept = %q, streaming requests must not ask for JSON", got)
	}
}

func TestPostAdminAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /admin/ingest": `{"id":"doc-123","status":"queued"}`,
	})

	req := map[string]any{"source": "cli", "type": "text", "content": "hello world"}
	resp, err := ts.client().postAdmin("/admin/ingest", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["status"] != "queued" || result["id"] != "doc-123" {
		t.Errorf("result = %v", result)
	}

	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["content"] != "hello world" {
		t.Errorf("body.content = %v, want hello world", body["content"])
	}
}

func TestPostAdminRequiresToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	client := ts.client()
	client.adminToken = ""

	_, err := client.postAdmin("/admin/ingest", map[string]any{"content": "x"})
	if err == nil {
		t.Fatal("expected error without admin token")
	}
	if !strings.Contains(err.Error(), "PMV_ADMIN_TOKEN") {
		t.Errorf("error = %q, want it to name PMV_ADMIN_TOKEN", err.Error())
	}
}

func TestConsumeStream(t *testing.T) {
	stream := "data: {\"critique\":\"Strong \"}\n\n" +
		"data: {\"critique\":\"framing.\"}\n\n" +
		"data: {\"savedId\":7,\"version\":1}\n\n" +
		"data: [DONE]\n\n"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(stream))
	}))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := consumeStream(resp); err != nil {
		t.Fatalf("consumeStream: %v", err)
	}
}

func TestConsumeStreamErrorFrame(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"error\":\"Failed to generate critique\"}\n\n"))
	}))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = consumeStream(resp)
	if err == nil {
		t.Fatal("expected error from error frame")
	}
	if !strings.Contains(err.Error(), "Failed to generate critique") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestSearchQueryEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/search": `{"results":[]}`,
	})

	query := "golden hour & backlight"
	resp, err := ts.client().get("/api/search?q=" + url.QueryEscape(query))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	reqPath := ts.requests[0].Path
	if strings.Contains(reqPath, "& backlight") {
		t.Errorf("query not URL-encoded: %q", reqPath)
	}
	if !strings.Contains(reqPath, "q=golden+hour+%26+backlight") {
		t.Errorf("unexpected encoded path: %q", reqPath)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get("/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"authentication_error"}}`))
	}))
	t.Cleanup(ts.Close)

	client := &apiClient{
		baseURL:    ts.URL,
		session:    "s",
		httpClient: ts.Client(),
	}

	resp, err := client.get("/api/history")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
	if dim := colorize(colorDim, "ts"); !strings.HasPrefix(dim, "\033[2m") || !strings.HasSuffix(dim, colorReset) {
		t.Errorf("colorize(colorDim) = %q, want dim escape wrapping", dim)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Engine.CritiqueModel = "gpt-4o-mini"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}

func TestLoadSessionTokenStable(t *testing.T) {
	dir := t.TempDir()

	tok, err := loadSessionToken(dir)
	if err != nil {
		t.Fatalf("loadSessionToken: %v", err)
	}
	if tok == "" {
		t.Fatal("empty token minted")
	}

	again, err := loadSessionToken(dir)
	if err != nil {
		t.Fatalf("loadSessionToken (second call): %v", err)
	}
	if again != tok {
		t.Errorf("token changed between calls: %q then %q", tok, again)
	}
}
