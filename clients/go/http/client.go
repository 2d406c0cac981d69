// Package http provides an HTTP client for the gradual feature flag service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gradual "github.com/gradualhq/gradual/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the gradual server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token, either the admin token or "id.secret" format.
	// Leave empty when the server runs without authentication.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements gradual.FlagManager, gradual.Evaluator, and
// gradual.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the gradual service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types ----------------------------------------------------------------

type wireFlag struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Enabled           bool     `json:"enabled"`
	RolloutPercentage *float64 `json:"rollout_percentage"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
}

type wireCreateFlagRequest struct {
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	Enabled           bool     `json:"enabled"`
	RolloutPercentage *float64 `json:"rollout_percentage,omitempty"`
}

type wireEvaluation struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

type wireUserFlagsResponse struct {
	UserID string           `json:"user_id"`
	Flags  []wireEvaluation `json:"flags"`
}

// -- helpers -------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("gradual: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("gradual: create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gradual: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gradual: HTTP %d: %s", e.StatusCode, e.Message)
}

func decodeFlag(wf wireFlag) gradual.Flag {
	f := gradual.Flag{
		Name:              wf.Name,
		Description:       wf.Description,
		Enabled:           wf.Enabled,
		RolloutPercentage: wf.RolloutPercentage,
	}
	if wf.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, wf.CreatedAt)
		if err == nil {
			f.CreatedAt = t
		}
	}
	if wf.UpdatedAt != "" {
		t, err := time.Parse(time.RFC3339, wf.UpdatedAt)
		if err == nil {
			f.UpdatedAt = t
		}
	}
	return f
}

// flagUpdateBody builds the partial-update payload. Only fields present in
// update appear in the body; clearing the rollout sends an explicit null,
// which the server distinguishes from an absent field.
func flagUpdateBody(update gradual.FlagUpdate) map[string]any {
	body := make(map[string]any, 3)
	if update.Enabled != nil {
		body["enabled"] = *update.Enabled
	}
	if update.Description != nil {
		body["description"] = *update.Description
	}
	if update.RolloutPercentage != nil {
		body["rollout_percentage"] = *update.RolloutPercentage
	} else if update.ClearRollout {
		body["rollout_percentage"] = nil
	}
	return body
}

func decodeFlagResponse(resp *http.Response) (gradual.Flag, error) {
	defer resp.Body.Close()
	var wf wireFlag
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		return gradual.Flag{}, fmt.Errorf("gradual: decode response: %w", err)
	}
	return decodeFlag(wf), nil
}

// -- FlagManager ---------------------------------------------------------------

func (c *Client) CreateFlag(ctx context.Context, flag gradual.NewFlag) (gradual.Flag, error) {
	body := wireCreateFlagRequest{
		Name:              flag.Name,
		Description:       flag.Description,
		Enabled:           flag.Enabled,
		RolloutPercentage: flag.RolloutPercentage,
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/flags", body)
	if err != nil {
		return gradual.Flag{}, err
	}
	return decodeFlagResponse(resp)
}

func (c *Client) GetFlag(ctx context.Context, name string) (gradual.Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/flags/"+url.PathEscape(name), nil)
	if err != nil {
		return gradual.Flag{}, err
	}
	return decodeFlagResponse(resp)
}

func (c *Client) ListFlags(ctx context.Context) ([]gradual.Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/flags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var wire []wireFlag
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("gradual: decode response: %w", err)
	}
	flags := make([]gradual.Flag, 0, len(wire))
	for _, wf := range wire {
		flags = append(flags, decodeFlag(wf))
	}
	return flags, nil
}

func (c *Client) UpdateFlag(ctx context.Context, name string, update gradual.FlagUpdate) (gradual.Flag, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/flags/"+url.PathEscape(name), flagUpdateBody(update))
	if err != nil {
		return gradual.Flag{}, err
	}
	return decodeFlagResponse(resp)
}

func (c *Client) DeleteFlag(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/flags/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- Evaluator -----------------------------------------------------------------

func (c *Client) UserFlags(ctx context.Context, userID string) ([]gradual.Evaluation, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/flags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out wireUserFlagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gradual: decode response: %w", err)
	}
	evals := make([]gradual.Evaluation, 0, len(out.Flags))
	for _, we := range out.Flags {
		evals = append(evals, gradual.Evaluation(we))
	}
	return evals, nil
}

func (c *Client) UserFlag(ctx context.Context, userID, name string) (gradual.Evaluation, error) {
	path := "/v1/users/" + url.PathEscape(userID) + "/flags/" + url.PathEscape(name)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return gradual.Evaluation{}, err
	}
	defer resp.Body.Close()
	var we wireEvaluation
	if err := json.NewDecoder(resp.Body).Decode(&we); err != nil {
		return gradual.Evaluation{}, fmt.Errorf("gradual: decode response: %w", err)
	}
	return gradual.Evaluation(we), nil
}

// -- Streamer ------------------------------------------------------------------

// Stream connects to the SSE stream and emits FlagEvents on the returned channel.
// The channel is closed when ctx is cancelled or the connection drops. A
// lastEventID greater than zero resumes the stream after that event.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan gradual.FlagEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("gradual: create stream request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", lastEventID))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gradual: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	ch := make(chan gradual.FlagEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Use a buffered reader with a 1 MiB buffer to handle large SSE data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed FlagEvents to ch.
// It implements the subset of the SSE spec used by the gradual server:
// id, event, data fields; blank-line flush; multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- gradual.FlagEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line: dispatch event if we have data.
			if len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				ev := gradual.FlagEvent{Type: eventType, EventID: eventID}
				switch eventType {
				case "create", "update", "delete":
					var wf wireFlag
					if jsonErr := json.Unmarshal([]byte(data), &wf); jsonErr == nil {
						f := decodeFlag(wf)
						ev.Flag = &f
						ev.Name = f.Name
					}
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			// Reset for next event.
			eventType = ""
			dataLines = nil
		} else if strings.HasPrefix(line, "id:") {
			fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(line, "id:")), "%d", &eventID)
		} else if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
