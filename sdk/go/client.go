package pledgelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pledgeline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// UserID is sent as X-User-Id when no bearer token is set. The server
	// only honours it when started with allow_user_header.
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Contract represents the API contract model (partial).
type Contract struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	TargetID           string    `json:"target_id"`
	Cadence            string    `json:"cadence"`
	TargetCount        int       `json:"target_count"`
	StakeType          string    `json:"stake_type"`
	StakeAmount        int64     `json:"stake_amount"`
	Status             string    `json:"status"`
	WindowStart        time.Time `json:"window_start"`
	WindowEnd          time.Time `json:"window_end"`
	CurrentProgress    int       `json:"current_progress"`
	MissCount          int       `json:"miss_count"`
	GraceDaysRemaining int       `json:"grace_days_remaining"`
	ReduceStakeUsed    bool      `json:"reduce_stake_used"`
	Escrowed           int64     `json:"escrowed"`
	TotalBonus         int64     `json:"total_bonus"`
	TotalForfeited     int64     `json:"total_forfeited"`
}

// Evaluation is the outcome of one closed window.
type Evaluation struct {
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	TargetCount    int       `json:"target_count"`
	ActualCount    int       `json:"actual_count"`
	Result         string    `json:"result"`
	BonusAwarded   int64     `json:"bonus_awarded"`
	StakeForfeited int64     `json:"stake_forfeited"`
	GraceConsumed  bool      `json:"grace_consumed"`
}

// ContractResult is returned by every contract operation.
type ContractResult struct {
	Contract    Contract     `json:"contract"`
	Evaluations []Evaluation `json:"evaluations"`
	View        struct {
		Actions             []string `json:"actions"`
		CoolingOffRemaining int64    `json:"cooling_off_remaining_ns"`
	} `json:"view"`
	Refunded  int64 `json:"refunded"`
	Forfeited int64 `json:"forfeited"`
}

// CreateContract is the request body for CreateContract.
type CreateContract struct {
	Title           string `json:"title,omitempty"`
	TargetID        string `json:"target_id"`
	Cadence         string `json:"cadence"`
	TargetCount     int    `json:"target_count"`
	StakeType       string `json:"stake_type"`
	StakeAmount     int64  `json:"stake_amount"`
	GraceDays       *int   `json:"grace_days,omitempty"`
	CoolingOffHours *int   `json:"cooling_off_hours,omitempty"`
}

// Target is a habit or goal a contract can reference.
type Target struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// Balance is one currency in a wallet.
type Balance struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body parses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTarget registers a habit or goal.
func (c *Client) CreateTarget(ctx context.Context, id, targetType, title string) (Target, error) {
	body := map[string]any{
		"id":    id,
		"type":  targetType,
		"title": title,
	}
	var resp Target
	err := c.do(ctx, http.MethodPost, "targets", body, &resp)
	return resp, err
}

// Targets lists eligible targets.
func (c *Client) Targets(ctx context.Context) ([]Target, error) {
	var resp []Target
	err := c.do(ctx, http.MethodGet, "targets", nil, &resp)
	return resp, err
}

// Wallet returns current balances.
func (c *Client) Wallet(ctx context.Context) ([]Balance, error) {
	var resp struct {
		Balances []Balance `json:"balances"`
	}
	err := c.do(ctx, http.MethodGet, "wallet", nil, &resp)
	return resp.Balances, err
}

// CreateContract creates a draft contract.
func (c *Client) CreateContract(ctx context.Context, req CreateContract) (ContractResult, error) {
	var resp ContractResult
	err := c.do(ctx, http.MethodPost, "contracts", req, &resp)
	return resp, err
}

// Contract fetches a contract, caught up to now.
func (c *Client) Contract(ctx context.Context, id string) (ContractResult, error) {
	var resp ContractResult
	err := c.do(ctx, http.MethodGet, "contracts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ActiveContract fetches the caller's open contract.
func (c *Client) ActiveContract(ctx context.Context) (ContractResult, error) {
	var resp ContractResult
	err := c.do(ctx, http.MethodGet, "contracts/active", nil, &resp)
	return resp, err
}

// Contracts lists contracts, optionally filtered by status.
func (c *Client) Contracts(ctx context.Context, status string) ([]Contract, error) {
	endpoint := "contracts"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Contract
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Activate(ctx context.Context, id string) (ContractResult, error) {
	return c.action(ctx, id, "activate", nil)
}

func (c *Client) RecordProgress(ctx context.Context, id string) (ContractResult, error) {
	return c.action(ctx, id, "progress", nil)
}

func (c *Client) Check(ctx context.Context, id string) (ContractResult, error) {
	return c.action(ctx, id, "check", nil)
}

func (c *Client) Reset(ctx context.Context, id string) (ContractResult, error) {
	return c.action(ctx, id, "reset", nil)
}

func (c *Client) ReduceStake(ctx context.Context, id string, newStake int64) (ContractResult, error) {
	return c.action(ctx, id, "reduce-stake", map[string]any{"new_stake_amount": newStake})
}

// Pause suspends evaluation. days <= 0 uses the server default.
func (c *Client) Pause(ctx context.Context, id string, days int) (ContractResult, error) {
	verb := "pause"
	if days > 0 {
		verb = fmt.Sprintf("pause?days=%d", days)
	}
	return c.action(ctx, id, verb, nil)
}

func (c *Client) Resume(ctx context.Context, id string) (ContractResult, error) {
	return c.action(ctx, id, "resume", nil)
}

func (c *Client) Cancel(ctx context.Context, id string) (ContractResult, error) {
	return c.action(ctx, id, "cancel", nil)
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int, eventType, contractID string) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if contractID != "" {
		q.Set("contract_id", contractID)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) action(ctx context.Context, id, verb string, body any) (ContractResult, error) {
	var resp ContractResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("contracts/%s/%s", url.PathEscape(id), verb), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
