package intentmesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with an IntentMesh node's control API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Submission is the payload accepted by POST /api/v1/intents. A zero Bid asks
// the node to recommend one from PriceCeiling.
type Submission struct {
	ID           string `json:"id,omitempty"`
	Payload      string `json:"payload"`
	Bid          int64  `json:"bid,omitempty"`
	PriceCeiling int64  `json:"price_ceiling,omitempty"`
	Balance      int64  `json:"balance,omitempty"`
	Market       int64  `json:"market,omitempty"`
}

// Negotiation mirrors the agreed terms of an intent.
type Negotiation struct {
	AgreedPrice  int64     `json:"agreed_price"`
	PriceCeiling int64     `json:"price_ceiling"`
	Counterparty string    `json:"counterparty"`
	Recipient    string    `json:"recipient,omitempty"`
	Strategy     string    `json:"strategy,omitempty"`
	AgreedAt     time.Time `json:"agreed_at"`
}

// Settlement mirrors the settlement references of an intent.
type Settlement struct {
	TransferRef   string    `json:"transfer_ref"`
	CommitmentRef string    `json:"commitment_ref"`
	SettledAt     time.Time `json:"settled_at"`
}

// Intent is the node's view of an intent.
type Intent struct {
	ID            string       `json:"id"`
	Role          string       `json:"role"`
	Origin        string       `json:"origin"`
	Payload       string       `json:"payload"`
	Bid           int64        `json:"bid"`
	ProofVerified bool         `json:"proof_verified"`
	Negotiation   *Negotiation `json:"negotiation,omitempty"`
	Settlement    *Settlement  `json:"settlement,omitempty"`
	State         string       `json:"state"`
	Reason        string       `json:"reason,omitempty"`
	Detail        string       `json:"detail,omitempty"`
	Attempt       int          `json:"attempt"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Terminal reports whether the intent reached Settled or Failed.
func (i Intent) Terminal() bool {
	return i.State == "Settled" || i.State == "Failed"
}

// Notification is one recorded state change.
type Notification struct {
	Seq       uint64    `json:"seq"`
	IntentID  string    `json:"intent_id"`
	Role      string    `json:"role"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Trigger   string    `json:"trigger"`
	Reason    string    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationPage is returned by GET /api/v1/notifications.
type NotificationPage struct {
	LastSeq       uint64         `json:"last_seq"`
	Notifications []Notification `json:"notifications"`
}

// Peer is a node discovered on the mesh.
type Peer struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	FirstAt  time.Time `json:"first_seen"`
	LastSeen time.Time `json:"last_seen"`
}

// APIError represents a structured error returned by the node.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("intentmesh api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("intentmesh api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the node at rawURL. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Submit creates a new originator intent.
func (c *Client) Submit(ctx context.Context, submission Submission) (Intent, error) {
	var out Intent
	if err := c.post(ctx, "/api/v1/intents", submission, &out); err != nil {
		return Intent{}, err
	}
	return out, nil
}

// Get fetches one intent.
func (c *Client) Get(ctx context.Context, id string) (Intent, error) {
	var out Intent
	if err := c.get(ctx, "/api/v1/intents/"+url.PathEscape(id), nil, &out); err != nil {
		return Intent{}, err
	}
	return out, nil
}

// List returns intents, optionally filtered by state.
func (c *Client) List(ctx context.Context, state string) ([]Intent, error) {
	query := url.Values{}
	if state != "" {
		query.Set("state", state)
	}
	var out []Intent
	if err := c.get(ctx, "/api/v1/intents", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Accept confirms the negotiated deal.
func (c *Client) Accept(ctx context.Context, id string) (Intent, error) {
	return c.command(ctx, id, "accept", "")
}

// Reject declines the negotiated deal.
func (c *Client) Reject(ctx context.Context, id, detail string) (Intent, error) {
	return c.command(ctx, id, "reject", detail)
}

// Cancel abandons the intent.
func (c *Client) Cancel(ctx context.Context, id, detail string) (Intent, error) {
	return c.command(ctx, id, "cancel", detail)
}

// Regenerate re-proves and rebroadcasts an intent that is awaiting a match.
func (c *Client) Regenerate(ctx context.Context, id string) (Intent, error) {
	return c.command(ctx, id, "regenerate", "")
}

func (c *Client) command(ctx context.Context, id, verb, detail string) (Intent, error) {
	var out Intent
	body := map[string]string{}
	if detail != "" {
		body["detail"] = detail
	}
	if err := c.post(ctx, "/api/v1/intents/"+url.PathEscape(id)+"/"+verb, body, &out); err != nil {
		return Intent{}, err
	}
	return out, nil
}

// Notifications returns state changes with a sequence greater than since.
func (c *Client) Notifications(ctx context.Context, since uint64) (NotificationPage, error) {
	query := url.Values{"since": []string{strconv.FormatUint(since, 10)}}
	var out NotificationPage
	if err := c.get(ctx, "/api/v1/notifications", query, &out); err != nil {
		return NotificationPage{}, err
	}
	return out, nil
}

// Peers lists the peers the node has discovered.
func (c *Client) Peers(ctx context.Context) ([]Peer, error) {
	var out []Peer
	if err := c.get(ctx, "/api/v1/peers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitFor polls the intent until done returns true or the intent becomes
// terminal.
func (c *Client) WaitFor(ctx context.Context, id string, interval time.Duration, done func(Intent) bool) (Intent, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		current, err := c.Get(ctx, id)
		if err != nil {
			return Intent{}, err
		}
		if done(current) || current.Terminal() {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		// 控制面返回 {code, message}，认证失败时是纯文本。
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
