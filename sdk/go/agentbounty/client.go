// Package agentbounty is a Go client for the AgentBounty REST API: log in,
// run agents, and unlock paid results with an EIP-712 transfer
// authorization signed by a local key.
package agentbounty

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentBounty/internal/payment"
)

// DefaultHTTPTimeout applies to clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Cookies issued by the server.
const (
	SessionCookie = "agentbounty_session"
	DemoCookie    = "demo_mode"
)

// ErrApprovalPending is returned by Unlock while the owner has not yet
// approved an expensive result.
var ErrApprovalPending = errors.New("agentbounty: payment approval pending")

// Client wraps the HTTP interactions with the AgentBounty API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
	demo  bool
}

// User is the authenticated profile.
type User struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Demo  bool   `json:"demo,omitempty"`
}

// Agent describes one entry of the agent catalogue.
type Agent struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	BaseCost    float64  `json:"base_cost"`
	InputModes  []string `json:"input_modes,omitempty"`
}

// Task mirrors the server's task record.
type Task struct {
	ID                string          `json:"id"`
	AgentType         string          `json:"agent_type"`
	InputData         json.RawMessage `json:"input_data"`
	Status            string          `json:"status"`
	EstimatedCost     float64         `json:"estimated_cost"`
	ActualCost        *float64        `json:"actual_cost,omitempty"`
	PaymentStatus     string          `json:"payment_status"`
	PaymentTxHash     string          `json:"payment_tx_hash,omitempty"`
	ApprovalRequestID string          `json:"approval_request_id,omitempty"`
	ProgressMessage   string          `json:"progress_message,omitempty"`
	Error             string          `json:"error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Finished reports whether the task reached a terminal status.
func (t *Task) Finished() bool {
	return t.Status == "completed" || t.Status == "failed"
}

// TaskList is one page of tasks.
type TaskList struct {
	Tasks []*Task `json:"tasks"`
	Total int     `json:"total"`
}

// Result is the answer of the result endpoint. StatusCode distinguishes an
// unlocked result (200 with Content set), a progress report (200 with Status
// set), a pending approval or payment (402) and a denied approval (403).
type Result struct {
	StatusCode int `json:"-"`

	TaskID     string         `json:"task_id"`
	ResultType string         `json:"result_type"`
	Content    string         `json:"content"`
	ActualCost float64        `json:"actual_cost"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	Status            string                `json:"status"`
	Error             string                `json:"error"`
	Message           string                `json:"message"`
	Preview           *string               `json:"preview"`
	Payment           *payment.Requirements `json:"payment"`
	RequiresApproval  bool                  `json:"requires_approval"`
	ApprovalConfirmed bool                  `json:"approval_confirmed"`
	ApprovalRequestID string                `json:"approval_request_id"`
	ApprovalStatus    string                `json:"approval_status"`
	Amount            float64               `json:"amount"`
}

// Unlocked reports whether the result content is available.
func (r *Result) Unlocked() bool {
	return r.StatusCode == http.StatusOK && r.Status == ""
}

// Approval is the state of an approval request.
type Approval struct {
	ID         string     `json:"ciba_request_id"`
	Status     string     `json:"status"`
	TaskID     string     `json:"task_id"`
	Amount     float64    `json:"amount"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ApprovedAt *time.Time `json:"approved_at"`
}

// WalletInfo reports the bound wallet.
type WalletInfo struct {
	Address     string  `json:"wallet_address"`
	Connected   bool    `json:"connected"`
	USDCBalance float64 `json:"usdc_balance"`
	Chain       string  `json:"chain"`
	ChainID     int64   `json:"chain_id"`
}

// APIError is a non-2xx answer carrying the server's error envelope.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentbounty api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentbounty api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the API at rawURL.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout, Jar: jar}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Login exchanges credentials for a session token and keeps it for later
// calls.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == SessionCookie {
			c.SetToken(ck.Value)
		}
	}
	if c.Token() == "" {
		return nil, errors.New("agentbounty: login response carried no session")
	}
	var out struct {
		User *User `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.User, nil
}

// Token returns the stored session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken overrides the stored session token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Me(ctx context.Context) (*User, error) {
	var out struct {
		User *User `json:"user"`
	}
	if err := c.call(ctx, http.MethodGet, "/auth/user", nil, &out); err != nil {
		return nil, err
	}
	return out.User, nil
}

// Agents returns the catalogue keyed by agent type.
func (c *Client) Agents(ctx context.Context) (map[string]Agent, error) {
	var out struct {
		Agents map[string]Agent `json:"agents"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// CreateTask creates a pending task. input is marshalled as input_data.
func (c *Client) CreateTask(ctx context.Context, agentType string, input any) (*Task, error) {
	var t Task
	payload := map[string]any{"agent_type": agentType, "input_data": input}
	if err := c.call(ctx, http.MethodPost, "/api/tasks/", payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) ListTasks(ctx context.Context, limit, offset int) (*TaskList, error) {
	var out TaskList
	endpoint := "/api/tasks/?limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	if err := c.call(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.call(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// StartTask queues a pending task for execution.
func (c *Client) StartTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.call(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/start", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil)
}

// WaitForTask polls the task until it finishes or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Finished() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Result fetches the result of a task. 402 and 403 answers are returned as
// a Result, not as an error.
func (c *Client) Result(ctx context.Context, id string) (*Result, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id)+"/result", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPaymentRequired, http.StatusForbidden:
	default:
		return nil, decodeError(resp)
	}
	out := &Result{StatusCode: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// AuthorizeResponse reports the settlement of a payment.
type AuthorizeResponse = payment.AuthorizeResponse

// Authorize posts a signed transfer authorization.
func (c *Client) Authorize(ctx context.Context, req payment.AuthorizeRequest) (*AuthorizeResponse, error) {
	var out AuthorizeResponse
	if err := c.call(ctx, http.MethodPost, "/api/payments/authorize", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuthorizeDemo unlocks a demo task. Only demo sessions accept it.
func (c *Client) AuthorizeDemo(ctx context.Context, taskID string) (*AuthorizeResponse, error) {
	var out AuthorizeResponse
	if err := c.call(ctx, http.MethodPost, "/api/payments/authorize", map[string]string{"task_id": taskID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Network returns the settlement chain parameters.
func (c *Client) Network(ctx context.Context) (*payment.NetworkInfo, error) {
	var out payment.NetworkInfo
	if err := c.call(ctx, http.MethodGet, "/api/payments/network", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SignPayment signs the requirements of a locked result with key.
func SignPayment(key *ecdsa.PrivateKey, req *payment.Requirements) (payment.AuthorizeRequest, error) {
	from := crypto.PubkeyToAddress(key.PublicKey).Hex()
	msg := req.Message
	msg.From = from
	sig, err := payment.Sign(key, payment.TypedData(req.Domain, msg))
	if err != nil {
		return payment.AuthorizeRequest{}, fmt.Errorf("sign authorization: %w", err)
	}
	split, err := payment.NewSignature(sig)
	if err != nil {
		return payment.AuthorizeRequest{}, err
	}
	return payment.AuthorizeRequest{
		TaskID:      req.TaskID,
		FromAddress: from,
		AmountUSDC:  msg.Value,
		ValidAfter:  msg.ValidAfter,
		ValidBefore: msg.ValidBefore,
		Nonce:       msg.Nonce,
		Signature:   split,
	}, nil
}

// Unlock returns the result of a completed task, paying for it with key
// when required. It returns ErrApprovalPending while an approval is
// outstanding.
func (c *Client) Unlock(ctx context.Context, id string, key *ecdsa.PrivateKey) (*Result, error) {
	res, err := c.Result(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case res.StatusCode == http.StatusOK:
		// Unfinished tasks also answer 200; callers check Unlocked.
		return res, nil
	case res.StatusCode == http.StatusForbidden:
		return res, &APIError{StatusCode: res.StatusCode, Message: res.Message}
	case res.RequiresApproval:
		return res, ErrApprovalPending
	case res.Payment == nil:
		return res, &APIError{StatusCode: res.StatusCode, Message: res.Message}
	}
	if key == nil {
		return res, errors.New("agentbounty: a signing key is required to pay")
	}
	authz, err := SignPayment(key, res.Payment)
	if err != nil {
		return nil, err
	}
	paid, err := c.Authorize(ctx, authz)
	if err != nil {
		return nil, err
	}
	if !paid.Success {
		return nil, fmt.Errorf("agentbounty: payment rejected: %s", paid.Error)
	}
	return c.Result(ctx, id)
}

// InitiateApproval asks the owner to approve the payment of a task.
func (c *Client) InitiateApproval(ctx context.Context, taskID string) (*Approval, error) {
	var out Approval
	if err := c.call(ctx, http.MethodPost, "/api/payments/ciba/initiate", map[string]string{"task_id": taskID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ApprovalStatus(ctx context.Context, id string) (*Approval, error) {
	var out Approval
	if err := c.call(ctx, http.MethodGet, "/api/payments/ciba/status/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SimulateApproval resolves a pending approval without the e-mail link.
// Servers reject it unless simulation is enabled.
func (c *Client) SimulateApproval(ctx context.Context, id string, approved bool) (*Approval, error) {
	var out Approval
	endpoint := "/api/payments/ciba/simulate/" + url.PathEscape(id) + "?approved=" + strconv.FormatBool(approved)
	if err := c.call(ctx, http.MethodPost, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OwnershipMessage is the text a wallet signs to prove it belongs to the
// session user.
func OwnershipMessage(address string, at time.Time) string {
	return fmt.Sprintf("Connect wallet %s to AgentBounty at %s", address, at.UTC().Format(time.RFC3339))
}

// ConnectWallet binds address to the session user. signature is the
// personal_sign signature of message.
func (c *Client) ConnectWallet(ctx context.Context, address, message, signature string) error {
	payload := map[string]string{
		"wallet_address": address,
		"message":        message,
		"signature":      signature,
	}
	return c.call(ctx, http.MethodPost, "/api/wallet/connect", payload, nil)
}

// ConnectKey binds the wallet of key, signing the ownership proof locally.
func (c *Client) ConnectKey(ctx context.Context, key *ecdsa.PrivateKey) (*WalletInfo, error) {
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	message := OwnershipMessage(address, time.Now())
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return nil, fmt.Errorf("sign wallet proof: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	if err := c.ConnectWallet(ctx, address, message, hexutil.Encode(sig)); err != nil {
		return nil, err
	}
	return c.WalletInfo(ctx)
}

func (c *Client) WalletInfo(ctx context.Context) (*WalletInfo, error) {
	var out WalletInfo
	if err := c.call(ctx, http.MethodGet, "/api/wallet/info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DisconnectWallet(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/wallet/disconnect", nil, nil)
}

// EnableDemo switches the client into demo mode. The demo session cookie
// is kept in the client's cookie jar.
func (c *Client) EnableDemo() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.demo = true
}

// Demo reports whether the client runs in demo mode.
func (c *Client) Demo() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.demo
}

// ExitDemo ends the demo session.
func (c *Client) ExitDemo(ctx context.Context) error {
	err := c.call(ctx, http.MethodPost, "/api/demo/exit", nil, nil)
	c.mu.Lock()
	c.demo = false
	c.mu.Unlock()
	return err
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	p, query, _ := strings.Cut(endpoint, "?")
	rel := &url.URL{Path: path.Join(c.baseURL.Path, p), RawQuery: query}
	if strings.HasSuffix(p, "/") {
		rel.Path += "/"
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.Demo() {
		req.AddCookie(&http.Cookie{Name: DemoCookie, Value: "true"})
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
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr})
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
