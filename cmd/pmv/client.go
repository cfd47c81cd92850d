package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/photomentor/pmv/internal/config"
	"github.com/photomentor/pmv/internal/session"
)

type apiClient struct {
	baseURL    string
	session    string
	adminToken string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	sess, err := loadSessionToken(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("loading session token: %w", err)
	}

	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		session:    sess,
		adminToken: cfg.Admin.Token,
		// No timeout: critique responses stream for as long as generation runs.
		httpClient: &http.Client{},
	}, nil
}

// loadSessionToken returns the CLI's stable session token, minting and
// caching one on first use. The token plays the role of the browser cookie:
// all critiques made through the CLI share one session.
func loadSessionToken(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "session")
	data, err := os.ReadFile(path)
	if err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	}

	tok := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(tok), 0o600); err != nil {
		return "", err
	}
	return tok, nil
}

func (c *apiClient) do(req *http.Request) (*http.Response, error) {
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: c.session})
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable — is pmv running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(path string) (*http.Response, error) {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *apiClient) postJSON(path string, body any, stream bool) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if !stream {
		req.Header.Set("Accept", "application/json")
	}
	return c.do(req)
}

// postImage uploads an image as multipart form data and returns the raw
// response, an SSE stream unless stream is false.
func (c *apiClient) postImage(path, imagePath string, stream bool) (*http.Response, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if !stream {
		req.Header.Set("Accept", "application/json")
	}
	return c.do(req)
}

// postAdmin sends an authenticated JSON request to an admin endpoint.
func (c *apiClient) postAdmin(path string, body any) (*http.Response, error) {
	if c.adminToken == "" {
		return nil, fmt.Errorf("admin token not configured (set PMV_ADMIN_TOKEN)")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.adminToken)
	return c.do(req)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
