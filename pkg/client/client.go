package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNoContent is returned by LatestEvent before any event was observed.
var ErrNoContent = errors.New("no content")

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("HTTP %d: %s (%s)", e.StatusCode, e.Message, e.Detail)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// SessionSnapshot is the server-side state of the client's session.
type SessionSnapshot struct {
	ID              string   `json:"session_id"`
	ActiveAccount   string   `json:"active_account"`
	KnownAccounts   []string `json:"known_accounts"`
	SelectedPatient *uint64  `json:"selected_patient,omitempty"`
	State           string   `json:"state"`
	View            string   `json:"view"`
}

// SessionResult is returned by CreateSession.
type SessionResult struct {
	Token   string          `json:"token"`
	Session SessionSnapshot `json:"session"`
}

// Registration is the payload for RegisterPatient.
type Registration struct {
	ID      uint64 `json:"id"`
	Disease string `json:"disease"`
	Gender  string `json:"gender"`
	Age     uint64 `json:"age"`
}

// Receipt describes a mined transaction.
type Receipt struct {
	Op          string   `json:"op"`
	TxHash      string   `json:"tx_hash"`
	BlockNumber uint64   `json:"block_number"`
	GasUsed     uint64   `json:"gas_used"`
	From        string   `json:"from"`
	Value       *big.Int `json:"value,omitempty"`
}

// PatientRecord is the on-ledger patient record.
type PatientRecord struct {
	ID           uint64 `json:"id"`
	Disease      string `json:"disease"`
	Age          uint64 `json:"age"`
	Gender       string `json:"gender"`
	Eligible     bool   `json:"eligible"`
	ActivityDays uint64 `json:"activity_days"`
}

// Result describes a completed operation and the session position after it.
type Result struct {
	Op         string         `json:"op"`
	PatientID  uint64         `json:"patient_id"`
	Message    string         `json:"message,omitempty"`
	Receipt    *Receipt       `json:"receipt,omitempty"`
	Record     *PatientRecord `json:"record,omitempty"`
	State      string         `json:"state"`
	View       string         `json:"view"`
	Superseded bool           `json:"superseded,omitempty"`
}

// PatientDetails is returned by FetchPatient. Row holds the display cells
// in table order.
type PatientDetails struct {
	Result Result   `json:"result"`
	Row    []string `json:"row"`
}

// Event is a contract event notification.
type Event struct {
	Name        string    `json:"name"`
	Message     string    `json:"message"`
	BlockNumber uint64    `json:"block_number"`
	TxHash      string    `json:"tx_hash"`
	ReceivedAt  time.Time `json:"received_at"`
}

// JournalEntry is one link of the receipt journal.
type JournalEntry struct {
	Index       int       `json:"index"`
	Timestamp   time.Time `json:"timestamp"`
	Op          string    `json:"op"`
	PatientID   uint64    `json:"patient_id"`
	From        string    `json:"from"`
	TxHash      string    `json:"tx_hash"`
	BlockNumber uint64    `json:"block_number"`
	ValueWei    string    `json:"value_wei"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

// JournalPage is returned by Receipts.
type JournalPage struct {
	Entries int            `json:"entries"`
	Root    string         `json:"root"`
	Items   []JournalEntry `json:"items"`
}

// Client talks to one daemon on behalf of one session.
type Client struct {
	base       string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client, overriding any TLS options.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken resumes an existing session.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed certificate.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: c.httpClient.Timeout,
		}
		return nil
	}
}

// New creates a Client connected to base, e.g. "http://localhost:8080".
// The default timeout covers transaction confirmation.
func New(base string, opts ...Option) (*Client, error) {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 3 * time.Minute},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Token returns the current session token, or "" before CreateSession.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// CreateSession opens a new session and keeps its token.
func (c *Client) CreateSession(ctx context.Context) (*SessionResult, error) {
	var out SessionResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return &out, nil
}

// Session returns the current session state.
func (c *Client) Session(ctx context.Context) (*SessionSnapshot, error) {
	var out SessionSnapshot
	if err := c.call(ctx, http.MethodGet, "/api/v1/session", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UseAccount switches the active operator account.
func (c *Client) UseAccount(ctx context.Context, account string) (*SessionSnapshot, error) {
	var out SessionSnapshot
	body := map[string]string{"account": account}
	if err := c.call(ctx, http.MethodPut, "/api/v1/session/account", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseSession deletes the session on the server and forgets the token.
func (c *Client) CloseSession(ctx context.Context) error {
	if err := c.call(ctx, http.MethodDelete, "/api/v1/session", nil, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

// RegisterPatient records a new patient on the ledger.
func (c *Client) RegisterPatient(ctx context.Context, reg Registration) (*Result, error) {
	var out Result
	if err := c.call(ctx, http.MethodPost, "/api/v1/patients", reg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchPatient reads a patient's record and selects the patient.
func (c *Client) FetchPatient(ctx context.Context, id uint64) (*PatientDetails, error) {
	var out PatientDetails
	path := "/api/v1/patients/" + strconv.FormatUint(id, 10)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordFootsteps records a footstep count for the selected patient.
func (c *Client) RecordFootsteps(ctx context.Context, footsteps uint64) (*Result, error) {
	var out Result
	body := map[string]uint64{"footsteps": footsteps}
	if err := c.call(ctx, http.MethodPost, "/api/v1/patients/selected/footsteps", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StorePenalty deposits the penalty amount from the selected patient's account.
func (c *Client) StorePenalty(ctx context.Context) (*Result, error) {
	var out Result
	if err := c.call(ctx, http.MethodPost, "/api/v1/patients/selected/penalty", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SettleIncentive settles the selected patient's incentive from the active account.
func (c *Client) SettleIncentive(ctx context.Context) (*Result, error) {
	var out Result
	if err := c.call(ctx, http.MethodPost, "/api/v1/patients/selected/incentive", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ShowRegistration returns the session to the registration form.
func (c *Client) ShowRegistration(ctx context.Context) (*Result, error) {
	var out Result
	if err := c.call(ctx, http.MethodPost, "/api/v1/session/registration", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestEvent returns the most recent contract event, or ErrNoContent.
func (c *Client) LatestEvent(ctx context.Context) (*Event, error) {
	var out Event
	if err := c.call(ctx, http.MethodGet, "/api/v1/events/latest", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamEvents reads the server-sent event feed and calls fn for every
// contract event until ctx is done, the server closes the stream or fn
// returns false. Keep-alive frames are skipped.
func (c *Client) StreamEvents(ctx context.Context, fn func(Event) bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/events/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the client's request timeout.
	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}

	var name string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if name == "keepalive" {
				continue
			}
			var e Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &e); err != nil {
				return fmt.Errorf("decode event %q: %w", name, err)
			}
			if !fn(e) {
				return nil
			}
		case line == "":
			name = ""
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

// Receipts returns a page of the receipt journal.
func (c *Client) Receipts(ctx context.Context, offset, limit int) (*JournalPage, error) {
	var out JournalPage
	path := fmt.Sprintf("/api/v1/receipts?offset=%d&limit=%d", offset, limit)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyReceipts asks the server to walk the journal. A broken chain is
// reported as valid=false with the reason, not as an error.
func (c *Client) VerifyReceipts(ctx context.Context) (bool, string, error) {
	var out struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/receipts/verify", nil, &out); err != nil {
		return false, "", err
	}
	return out.Valid, out.Error, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

// call executes a JSON request and decodes a 2xx response into out.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if resp.StatusCode == http.StatusNoContent {
		if out != nil {
			return ErrNoContent
		}
		return nil
	}
	if out == nil {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error, Detail: body.Detail}
}
