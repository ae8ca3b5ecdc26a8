// Package http provides an HTTP client for the rollout flag evaluation service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	rollout "github.com/seamly/rollout/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the rollout server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements rollout.FlagManager, rollout.Evaluator, rollout.Tracker,
// and rollout.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the rollout service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireEvaluateReq struct {
	Key     string                    `json:"key,omitempty"`
	Keys    []string                  `json:"keys,omitempty"`
	Context rollout.EvaluationContext `json:"context"`
}

type wireBatchResp struct {
	Results map[string]rollout.Result `json:"results"`
}

type wireAssignReq struct {
	ExperimentID string `json:"experiment_id"`
	UserID       string `json:"user_id"`
}

type wireTrackReq struct {
	Event      string         `json:"event"`
	UserID     string         `json:"user_id"`
	Properties map[string]any `json:"properties,omitempty"`
}

type wireChangePayload struct {
	Kind      string `json:"kind"`
	Key       string `json:"key"`
	EventType string `json:"event_type"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("rollout: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("rollout: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rollout: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func decodeInto[T any](resp *http.Response) (T, error) {
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("rollout: decode response: %w", err)
	}
	return out, nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rollout: HTTP %d: %s", e.StatusCode, e.Message)
}

// -- FlagManager -------------------------------------------------------------

func (c *Client) CreateFlag(ctx context.Context, flag rollout.Flag) (rollout.Flag, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/flags", flag)
	if err != nil {
		return rollout.Flag{}, err
	}
	return decodeInto[rollout.Flag](resp)
}

func (c *Client) GetFlag(ctx context.Context, key string) (rollout.Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/flags/"+key, nil)
	if err != nil {
		return rollout.Flag{}, err
	}
	return decodeInto[rollout.Flag](resp)
}

func (c *Client) ListFlags(ctx context.Context) ([]rollout.Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/flags", nil)
	if err != nil {
		return nil, err
	}
	return decodeInto[[]rollout.Flag](resp)
}

func (c *Client) UpdateFlag(ctx context.Context, flag rollout.Flag) (rollout.Flag, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/flags/"+flag.Key, flag)
	if err != nil {
		return rollout.Flag{}, err
	}
	return decodeInto[rollout.Flag](resp)
}

func (c *Client) DeleteFlag(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/flags/"+key, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, key string, evalCtx rollout.EvaluationContext) (rollout.Result, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{Key: key, Context: evalCtx})
	if err != nil {
		return rollout.Result{}, err
	}
	return decodeInto[rollout.Result](resp)
}

func (c *Client) EvaluateBatch(ctx context.Context, keys []string, evalCtx rollout.EvaluationContext) (map[string]rollout.Result, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{Keys: keys, Context: evalCtx})
	if err != nil {
		return nil, err
	}
	out, err := decodeInto[wireBatchResp](resp)
	if err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) Assign(ctx context.Context, experimentID, userID string) (rollout.Assignment, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/assign", wireAssignReq{ExperimentID: experimentID, UserID: userID})
	if err != nil {
		return rollout.Assignment{}, err
	}
	return decodeInto[rollout.Assignment](resp)
}

// -- Tracker -----------------------------------------------------------------

func (c *Client) Track(ctx context.Context, event, userID string, properties map[string]any) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/events", wireTrackReq{Event: event, UserID: userID, Properties: properties})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits ChangeEvents on the returned
// channel. The channel is closed when ctx is cancelled or the connection
// drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan rollout.ChangeEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("rollout: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", lastEventID))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rollout: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	ch := make(chan rollout.ChangeEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Use a buffered reader with a 1 MiB buffer to handle large SSE data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed ChangeEvents to ch.
// It implements the subset of the SSE spec used by the rollout server:
// id, event, data fields; blank-line flush; multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- rollout.ChangeEvent) {
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
				ev := rollout.ChangeEvent{Type: eventType, EventID: eventID}
				if eventType == "update" || eventType == "delete" {
					var payload wireChangePayload
					if jsonErr := json.Unmarshal([]byte(data), &payload); jsonErr == nil {
						ev.Kind = payload.Kind
						ev.Key = payload.Key
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
