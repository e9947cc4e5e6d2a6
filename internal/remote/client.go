// Package remote is the HTTP client for the owner-scoped remote note store.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/notesync/internal/note"
)

const (
	defaultTimeout        = 15 * time.Second
	defaultMaxRetries     = 3
	defaultInitialBackoff = 500 * time.Millisecond
)

// ErrUnauthorized is returned on HTTP 401.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-success response from the server.
type StatusError struct {
	Code    int
	Type    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusServiceUnavailable
}

// Unwrap maps well-known statuses onto package sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return note.ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}
	return nil
}

func isRetryable(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Retryable()
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// Options tunes the client. Zero values pick defaults.
type Options struct {
	Timeout        time.Duration
	RateLimit      float64 // requests per second, <= 0 disables throttling
	MaxRetries     int
	InitialBackoff time.Duration
	HTTPClient     *http.Client
}

// Client talks to the remote note store API.
type Client struct {
	baseURL        string
	tokens         TokenSource
	httpClient     *http.Client
	limiter        *rate.Limiter
	maxRetries     int
	initialBackoff time.Duration
}

// NewClient creates a client for the server at baseURL. tokens may be nil for
// unauthenticated calls such as sign-up.
func NewClient(baseURL string, tokens TokenSource, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		burst := int(math.Max(1, math.Ceil(opts.RateLimit)))
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		tokens:         tokens,
		httpClient:     hc,
		limiter:        limiter,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
	}
}

type listResponse struct {
	Notes []note.Record `json:"notes"`
}

// ListByOwner returns every note owned by ownerID, newest first.
func (c *Client) ListByOwner(ctx context.Context, ownerID string) ([]note.Record, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, notesPath(ownerID), nil, &resp); err != nil {
		return nil, fmt.Errorf("listing notes: %w", err)
	}
	note.SortNewestFirst(resp.Notes)
	return resp.Notes, nil
}

// Insert uploads rec for ownerID and returns the stored row.
func (c *Client) Insert(ctx context.Context, rec note.Record, ownerID string) (note.Record, error) {
	rec.RemoteID = ""
	rec.OwnerID = ownerID
	var out note.Record
	if err := c.do(ctx, http.MethodPost, notesPath(ownerID), rec, &out); err != nil {
		return note.Record{}, fmt.Errorf("inserting note %s: %w", rec.LocalID, err)
	}
	return out, nil
}

// Update applies patch to the row remoteID owned by ownerID.
func (c *Client) Update(ctx context.Context, remoteID, ownerID string, patch note.Patch) (note.Record, error) {
	var out note.Record
	if err := c.do(ctx, http.MethodPatch, notePath(ownerID, remoteID), patch, &out); err != nil {
		return note.Record{}, fmt.Errorf("updating note %s: %w", remoteID, err)
	}
	return out, nil
}

// Delete removes the row remoteID owned by ownerID.
func (c *Client) Delete(ctx context.Context, remoteID, ownerID string) error {
	if err := c.do(ctx, http.MethodDelete, notePath(ownerID, remoteID), nil, nil); err != nil {
		return fmt.Errorf("deleting note %s: %w", remoteID, err)
	}
	return nil
}

// Credentials is the sign-up and sign-in request body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned by sign-up and sign-in.
type AuthResponse struct {
	OwnerID string `json:"owner_id"`
	Email   string `json:"email"`
	Token   string `json:"token"`
}

func (c *Client) SignUp(ctx context.Context, creds Credentials) (AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/signup", creds, &out); err != nil {
		return AuthResponse{}, fmt.Errorf("signing up: %w", err)
	}
	return out, nil
}

func (c *Client) SignIn(ctx context.Context, creds Credentials) (AuthResponse, error) {
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/signin", creds, &out); err != nil {
		return AuthResponse{}, fmt.Errorf("signing in: %w", err)
	}
	return out, nil
}

// SignOut revokes the current token server-side.
func (c *Client) SignOut(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/v1/auth/signout", nil, nil); err != nil {
		return fmt.Errorf("signing out: %w", err)
	}
	return nil
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func notesPath(ownerID string) string {
	return "/v1/owners/" + url.PathEscape(ownerID) + "/notes"
}

func notePath(ownerID, noteID string) string {
	return notesPath(ownerID) + "/" + url.PathEscape(noteID)
}

// do sends a JSON request, retrying with exponential backoff on 429 and 503.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	var lastErr error
	for attempt := range c.maxRetries {
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}

		lastErr = err
		if attempt < c.maxRetries-1 {
			backoff := time.Duration(float64(c.initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	se := &StatusError{Code: resp.StatusCode}
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		se.Message = env.Error.Message
		se.Type = env.Error.Type
	} else {
		se.Message = strings.TrimSpace(string(raw))
	}
	return se
}
