package logchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is the agent-side HTTP transport for the logchain server. POST
// requests (Submit, Register, Rotate) retry transient failures (429, 5xx,
// network errors) with bounded exponential backoff; server-side idempotence
// makes retried submissions safe. GET reads (Checkpoints, Checkpoint,
// Export, Batches) are a single attempt.
type Client struct {
	BaseURL     string
	HTTPClient  *http.Client
	BearerToken string
	// MaxRetries bounds retransmissions of a single request; 0 means a
	// single attempt.
	MaxRetries  int
	backoffBase time.Duration
}

// NewClient creates a transport for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:     baseURL,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		MaxRetries:  3,
		backoffBase: 200 * time.Millisecond,
	}
}

// Submit posts one sealed submission. Chain mismatches come back as a
// *ChainViolationError so callers can resynchronize their batcher;
// duplicates are success with Duplicate set.
func (c *Client) Submit(ctx context.Context, sub *Submission) (SubmitResult, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode submission: %w", err)
	}
	var res SubmitResult
	err = c.postRetry(ctx, "/submit", body, &res)
	return res, err
}

// Register binds an agent id to a public key on the server.
func (c *Client) Register(ctx context.Context, agentID string, pub HexBytes) error {
	body, err := json.Marshal(map[string]any{"agent_id": agentID, "public_key": pub})
	if err != nil {
		return err
	}
	return c.postRetry(ctx, "/agents/register", body, nil)
}

// Rotate installs a new public key attested by the current one.
func (c *Client) Rotate(ctx context.Context, agentID string, newPub, sig HexBytes) error {
	body, err := json.Marshal(map[string]any{
		"agent_id":           agentID,
		"new_public_key":     newPub,
		"rotation_signature": sig,
	})
	if err != nil {
		return err
	}
	return c.postRetry(ctx, "/agents/rotate", body, nil)
}

// Checkpoints fetches the chain head of every known agent.
func (c *Client) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	var out []Checkpoint
	if err := c.get(ctx, "/batches/checkpoints", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Checkpoint fetches the chain head for one agent; ok is false when the
// agent has no committed batches.
func (c *Client) Checkpoint(ctx context.Context, agentID string) (Checkpoint, bool, error) {
	cps, err := c.Checkpoints(ctx)
	if err != nil {
		return Checkpoint{}, false, err
	}
	for _, cp := range cps {
		if cp.AgentID == agentID {
			return cp, true, nil
		}
	}
	return Checkpoint{AgentID: agentID}, false, nil
}

// Export fetches up to limit batches with id > afterID in insertion order.
func (c *Client) Export(ctx context.Context, afterID int64, limit int) ([]StoredBatch, error) {
	q := url.Values{}
	q.Set("after_id", strconv.FormatInt(afterID, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []StoredBatch
	if err := c.get(ctx, "/batches/export", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Batches runs a filtered listing.
func (c *Client) Batches(ctx context.Context, f BatchFilter) ([]StoredBatch, error) {
	q := url.Values{}
	if f.AgentID != "" {
		q.Set("agent_id", f.AgentID)
	}
	if f.SinceSeq > 0 {
		q.Set("since_seq", strconv.FormatUint(f.SinceSeq, 10))
	}
	if f.SinceTimestamp != 0 {
		q.Set("since_timestamp", strconv.FormatInt(f.SinceTimestamp, 10))
	}
	if f.UntilTimestamp != 0 {
		q.Set("until_timestamp", strconv.FormatInt(f.UntilTimestamp, 10))
	}
	if f.LogSubstring != "" {
		q.Set("log_substring", f.LogSubstring)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	var out []StoredBatch
	if err := c.get(ctx, "/batches", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) postRetry(ctx context.Context, path string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			d := c.backoffBase << uint(attempt-1)
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		retriable, err := c.postOnce(ctx, path, body, out)
		if err == nil {
			return nil
		}
		if !retriable {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) postOnce(ctx context.Context, path string, body []byte, out any) (retriable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if out == nil {
			return false, nil
		}
		return false, json.NewDecoder(resp.Body).Decode(out)
	}
	retriable = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return retriable, decodeError(resp)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError lifts a structured error body back into the client-side
// taxonomy so callers can branch on sentinel errors the same way server
// code does.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var body struct {
		Error            string `json:"error"`
		Message          string `json:"message"`
		ExpectedSeq      uint64 `json:"expected_seq"`
		ExpectedPrevHash string `json:"expected_prev_hash"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	switch body.Error {
	case "chain_violation":
		cv := &ChainViolationError{ExpectedSeq: body.ExpectedSeq}
		if h, err := ParseHash(body.ExpectedPrevHash); err == nil {
			cv.ExpectedPrevHash = h
		}
		return cv
	case "bad_signature":
		return fmt.Errorf("%w: %s", ErrBadSignature, body.Message)
	case "unknown_agent":
		return fmt.Errorf("%w: %s", ErrUnknownAgent, body.Message)
	case "already_registered":
		return ErrAlreadyRegistered
	case "unauthorized":
		return ErrUnauthorized
	case "malformed":
		return fmt.Errorf("%w: %s", ErrMalformed, body.Message)
	case "not_found":
		return ErrNotFound
	default:
		return errors.New("server returned " + strconv.Itoa(resp.StatusCode) + ": " + body.Message)
	}
}
