// Package examclient is the Go client for the exam session API. Besides the HTTP calls it
// carries the client-side pieces of a session: the debounced auto-save queue, the
// connectivity monitor and the network-aware countdown timer.
package examclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Session is the client view of a session row.
type Session struct {
	ID                   string `json:"id"`
	Kind                 string `json:"kind"`
	Track                string `json:"track"`
	Status               string `json:"status"`
	TotalQuestions       int    `json:"total_questions"`
	GeneratedBatches     int    `json:"generated_batches"`
	RemainingTimeSeconds int    `json:"remaining_time_seconds"`
	TimeSpentSeconds     int    `json:"time_spent_seconds"`
	OverallScore         *int   `json:"overall_score,omitempty"`
}

// Question is a question as served to the client. AnswerIndex and Explanation are only
// set once the question has been answered.
type Question struct {
	Index       int      `json:"index"`
	ID          string   `json:"id"`
	Section     string   `json:"section"`
	Topic       string   `json:"topic"`
	Difficulty  string   `json:"difficulty"`
	Stem        string   `json:"stem"`
	Choices     []string `json:"choices"`
	AnswerIndex *int     `json:"answer_index,omitempty"`
	Explanation *string  `json:"explanation,omitempty"`
}

type StartResult struct {
	Session   Session    `json:"session"`
	Questions []Question `json:"questions"`
}

type BatchResult struct {
	BatchIndex       int        `json:"batch_index"`
	GeneratedBatches int        `json:"generated_batches"`
	TotalBatches     int        `json:"total_batches"`
	Questions        []Question `json:"questions"`
}

type State struct {
	Session              Session    `json:"session"`
	TotalBatches         int        `json:"total_batches"`
	NextBatchIndex       int        `json:"next_batch_index"`
	Questions            []Question `json:"questions"`
	RemainingTimeSeconds int        `json:"remaining_time_seconds"`
}

type Feedback struct {
	QuestionIndex int    `json:"question_index"`
	IsCorrect     bool   `json:"is_correct"`
	CorrectAnswer int    `json:"correct_answer"`
	Explanation   string `json:"explanation"`
}

// Results is the score summary of a completed session. Fields not needed by clients are
// left raw.
type Results struct {
	Overall struct {
		Correct    int `json:"correct"`
		Total      int `json:"total"`
		Percentage int `json:"percentage"`
	} `json:"overall"`
	Strengths  []string        `json:"strengths"`
	Weaknesses []string        `json:"weaknesses"`
	Sections   json.RawMessage `json:"sections"`
}

// APIError is a non-2xx response carrying the API's error body.
type APIError struct {
	Status  int               `json:"-"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
}

// ExpectedBatchIndex returns the index an OUT_OF_SEQUENCE error asks for.
func (e *APIError) ExpectedBatchIndex() (int, bool) {
	v, ok := e.Details["expected_batch_index"].(float64)
	return int(v), ok
}

// Client talks to the session API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client for the API at baseURL, e.g. "http://localhost:8080".
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// Batch requests wait on the generator, so the timeout is generous.
		http: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) StartSession(ctx context.Context, track, kind string) (*StartResult, error) {
	var out StartResult
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions", map[string]string{"track": track, "kind": kind}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) State(ctx context.Context, sessionID string) (*State, error) {
	var out State
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RequestBatch(ctx context.Context, sessionID string, index int) (*BatchResult, error) {
	var out BatchResult
	path := "/api/v1/sessions/" + sessionID + "/batches/" + strconv.Itoa(index)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitAnswer(ctx context.Context, sessionID string, e Entry) (*Feedback, error) {
	var out Feedback
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/answers", e, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveAnswers sends an auto-save batch. Entries the server rejects individually are not
// retried, so only transport and session-level failures are returned.
func (c *Client) SaveAnswers(ctx context.Context, sessionID string, entries []Entry) error {
	return c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/answers/autosave", map[string]any{"entries": entries}, nil)
}

// Pause pauses the session. remaining is the client's own timer reading, or nil.
func (c *Client) Pause(ctx context.Context, sessionID string, remaining *int) (*Session, error) {
	return c.transition(ctx, sessionID, "pause", timing(remaining))
}

func (c *Client) Resume(ctx context.Context, sessionID string) (*Session, error) {
	return c.transition(ctx, sessionID, "resume", nil)
}

// Complete finishes the session. remaining is the client's own timer reading, or nil.
func (c *Client) Complete(ctx context.Context, sessionID string, remaining *int) (*Session, error) {
	return c.transition(ctx, sessionID, "complete", timing(remaining))
}

func (c *Client) Abandon(ctx context.Context, sessionID string) (*Session, error) {
	return c.transition(ctx, sessionID, "abandon", nil)
}

func (c *Client) Results(ctx context.Context, sessionID string) (*Results, error) {
	var out Results
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID+"/results", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Probe checks the health endpoint. It satisfies Prober.
func (c *Client) Probe(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// SessionSaver binds a session id to the client so it can back a Queue.
func (c *Client) SessionSaver(sessionID string) Saver {
	return SaverFunc(func(ctx context.Context, entries []Entry) error {
		return c.SaveAnswers(ctx, sessionID, entries)
	})
}

func timing(remaining *int) any {
	if remaining == nil {
		return nil
	}
	return map[string]int{"remaining_time_seconds": *remaining}
}

func (c *Client) transition(ctx context.Context, sessionID, action string, body any) (*Session, error) {
	var out struct {
		Session Session `json:"session"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/"+action, body, &out); err != nil {
		return nil, err
	}
	return &out.Session, nil
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *APIError       `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Code: "UNKNOWN", Message: resp.Status}
		}
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode >= 300 || env.Error != nil {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "UNKNOWN", Message: resp.Status}
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
