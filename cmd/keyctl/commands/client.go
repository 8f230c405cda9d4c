package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig holds the CLI configuration.
type ClientConfig struct {
	Server  string        `yaml:"server"`
	Actor   string        `yaml:"actor"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Server:  "http://localhost:8080",
		Timeout: 30 * time.Second,
	}
}

func configPath() string {
	if p := os.Getenv("KEYCTL_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keyctl", "config.yaml")
}

// LoadConfig reads the config file if present, then applies KEYCTL_SERVER
// and KEYCTL_ACTOR.
func LoadConfig() (*ClientConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath())
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if server := os.Getenv("KEYCTL_SERVER"); server != "" {
		cfg.Server = server
	}
	if actor := os.Getenv("KEYCTL_ACTOR"); actor != "" {
		cfg.Actor = actor
	}
	return cfg, nil
}

// ServerError is a non-2xx response decoded from the server's error body.
type ServerError struct {
	Status    int
	Code      string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func (e *ServerError) Error() string {
	msg := fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
	if e.RequestID != "" {
		msg += " request_id=" + e.RequestID
	}
	return msg
}

// Client calls the admin API.
type Client struct {
	base  string
	actor string
	http  *http.Client
}

// NewClient builds a client for cfg.Server.
func NewClient(cfg *ClientConfig) *Client {
	return &Client{
		base:  strings.TrimRight(cfg.Server, "/"),
		actor: cfg.Actor,
		http:  &http.Client{Timeout: cfg.Timeout},
	}
}

// streamClient drops the overall timeout, which would cut long streams.
func (c *Client) streamClient() *Client {
	cp := *c
	cp.http = &http.Client{Transport: c.http.Transport}
	return &cp
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}
	return req, nil
}

// Do sends a request and returns the response for a 2xx status. Other
// statuses are returned as *ServerError with the body consumed.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	serr := &ServerError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(raw, serr); err != nil || serr.Code == "" {
		serr.Code = "http_error"
		serr.Message = strings.TrimSpace(string(raw))
		if serr.Message == "" {
			serr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return nil, serr
}

// JSON sends in (when non-nil) as a JSON body and decodes the response into out.
func (c *Client) JSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	resp, err := c.Do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return decodeBody(resp.Body, out)
}

func decodeBody(r io.Reader, out interface{}) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("invalid response body: %w", err)
	}
	return nil
}
