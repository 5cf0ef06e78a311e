// Package matrixapi is the external HTTP client boundary of spec §6: login,
// long-poll sync, and sending messages. It is a thin net/http wrapper, not a
// general-purpose Matrix SDK — the mautrix id/event types are reused for
// request and response shaping, but the transport itself is our own so the
// sync loop can control timeouts and cancellation precisely.
package matrixapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/git-bruh/matrix-tui/internal/fatal"
)

// Client is the HTTP collaborator described in spec §6's external
// interfaces. All methods are safe for concurrent use; the only mutable
// state is the monotonic transaction id counter used by Send.
type Client struct {
	http       *http.Client
	homeserver string
	accessToken string
	txnCounter atomic.Uint64
}

// New returns a Client bound to a homeserver. The token may be empty until
// Login succeeds or SetAccessToken restores a persisted session.
func New(homeserver, accessToken string) *Client {
	return &Client{
		http:       &http.Client{},
		homeserver: homeserver,
		accessToken: accessToken,
		// The counter starts at zero; NextTxnID prefixes each id with the
		// current time so ids don't collide with a previous process run.
		// Spec §8's invariant only requires no reuse within a single process
		// lifetime, which the counter alone gives.
		txnCounter: atomic.Uint64{},
	}
}

func (c *Client) SetAccessToken(token string) { c.accessToken = token }

type LoginResponse struct {
	AccessToken string     `json:"access_token"`
	UserID      id.UserID  `json:"user_id"`
	DeviceID    id.DeviceID `json:"device_id"`
}

// Login implements POST /login with m.login.password (spec §6).
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	body := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": username,
		},
		"password": password,
	}
	var resp LoginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/_matrix/client/r0/login", nil, body, &resp); err != nil {
		return nil, err
	}
	c.accessToken = resp.AccessToken
	return &resp, nil
}

// SyncResult is the raw sync response body, left undecoded so the caller
// can hand it to matrixevent.ParseSyncResponse without an intermediate
// unmarshal (spec §4.B's "the codec owns the parsed values").
type SyncResult struct {
	Body []byte
}

// Sync implements GET /sync?timeout=...&since=... (spec §6). A nil/empty
// since performs the initial sync. The timeout is both the query parameter
// sent to the server and (with a grace margin) the context deadline the
// caller should set; Sync itself does not impose one beyond ctx.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResult, error) {
	q := url.Values{}
	q.Set("timeout", fmt.Sprintf("%d", timeout.Milliseconds()))
	if since != "" {
		q.Set("since", since)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/_matrix/client/r0/sync", q, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fatal.ErrTransportFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading sync body: %w", fatal.ErrMalformedJSON, err)
	}
	return &SyncResult{Body: data}, nil
}

// NextTxnID returns a transaction id unique within this process's lifetime
// (spec §8's invariant), used as the PUT path segment for Send.
func (c *Client) NextTxnID() string {
	return fmt.Sprintf("m%d.%d", time.Now().UnixNano(), c.txnCounter.Add(1))
}

type sendMessageResponse struct {
	EventID id.EventID `json:"event_id"`
}

// Send implements PUT /rooms/{room_id}/send/m.room.message/{txn_id} (spec
// §6). Retrying the same txnID (e.g. after a transport error) is the
// caller's responsibility and is idempotent on the server.
func (c *Client) Send(ctx context.Context, roomID id.RoomID, txnID string, content map[string]any) (id.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/send/m.room.message/%s", url.PathEscape(string(roomID)), url.PathEscape(txnID))
	var resp sendMessageResponse
	if err := c.doJSON(ctx, http.MethodPut, path, nil, content, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.homeserver + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fatal.ErrTransportFailed, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", fatal.ErrTransportFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %w", fatal.ErrMalformedJSON, err)
	}
	return nil
}

// APIError wraps a non-2xx HTTP response, preserving the Matrix errcode body
// when the server sent one (spec §7 error taxonomy: transport failures are
// distinguished from well-formed API-level errors).
type APIError struct {
	StatusCode int
	ErrCode    string
	Err        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("matrixapi: http %d: %s: %s", e.StatusCode, e.ErrCode, e.Err)
}

func httpStatusError(resp *http.Response) error {
	var body struct {
		ErrCode string `json:"errcode"`
		Error   string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &body)
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", fatal.ErrNotLoggedIn, body.Error)
	}
	return &APIError{StatusCode: resp.StatusCode, ErrCode: body.ErrCode, Err: body.Error}
}
