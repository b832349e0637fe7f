// Package client implements the HTTP side of the upload session protocol.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ferry/pkg/schema"
)

// Error is returned for every response outside the 2xx range.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusNotFound
}

// Client talks to a session backend rooted at a base URL.
type Client struct {
	base     string
	http     *http.Client
	user     string
	password string
	token    string
	log      *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

func WithBasicAuth(user string, password string) Option {
	return func(cl *Client) {
		cl.user = user
		cl.password = password
	}
}

// WithToken sends token as a bearer token. It takes precedence over basic
// credentials.
func WithToken(token string) Option {
	return func(cl *Client) {
		cl.token = token
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.log = l
	}
}

// New returns a client for the backend at endpoint, for example
// "http://localhost:9000/api".
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("endpoint must not be empty")
	}

	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported endpoint scheme %q", base.Scheme)
	}

	if base.Host == "" {
		return nil, fmt.Errorf("endpoint %q has no host", endpoint)
	}

	c := &Client{
		base: strings.TrimRight(base.String(), "/"),
		http: &http.Client{},
		log:  slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// CreateSession opens a new upload session.
func (c *Client) CreateSession(ctx context.Context, req schema.CreateSessionRequest) (schema.Session, error) {
	var session schema.Session
	if err := c.doJSON(ctx, http.MethodPost, "/sessions", req, &session, http.StatusCreated); err != nil {
		return schema.Session{}, err
	}
	return session, nil
}

func (c *Client) MissingParts(ctx context.Context, session schema.Session) ([]schema.Part, error) {
	var resp schema.MissingPartsResponse
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(session)+"/missing", nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Parts, nil
}

// UploadPart streams body as the payload of part.
func (c *Client) UploadPart(ctx context.Context, session schema.Session, part schema.Part, body io.Reader) (schema.PartResult, error) {
	p := sessionPath(session) + "/parts/" + strconv.Itoa(part.Number)

	req, err := c.newRequest(ctx, http.MethodPut, p, body)
	if err != nil {
		return schema.PartResult{}, err
	}
	req.ContentLength = part.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	var result schema.PartResult
	if err := c.do(req, &result, http.StatusOK); err != nil {
		return schema.PartResult{}, err
	}
	return result, nil
}

func (c *Client) Status(ctx context.Context, session schema.Session) (schema.Status, error) {
	var status schema.Status
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(session), nil, &status, http.StatusOK); err != nil {
		return schema.Status{}, err
	}
	return status, nil
}

// Finalize submits the ordered manifest and returns the assembled object.
func (c *Client) Finalize(ctx context.Context, session schema.Session, parts []schema.CompletedPart) (schema.Result, error) {
	var result schema.Result
	req := schema.CompleteRequest{Parts: parts}
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(session)+"/complete", req, &result, http.StatusOK); err != nil {
		return schema.Result{}, err
	}
	return result, nil
}

// Abort discards the session. Aborting a session that no longer exists is
// not an error.
func (c *Client) Abort(ctx context.Context, session schema.Session) error {
	err := c.doJSON(ctx, http.MethodDelete, sessionPath(session), nil, nil, http.StatusNoContent)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// GetObject opens a finalized object for reading. The caller closes the
// returned body.
func (c *Client) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/objects/"+escapeKey(key), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	return resp.Body, nil
}

func (c *Client) newRequest(ctx context.Context, method string, p string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+p, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}

	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.user != "":
		req.SetBasicAuth(c.user, c.password)
	}

	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method string, p string, in any, out any, expect int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, p, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, out, expect)
}

func (c *Client) do(req *http.Request, out any, expect int) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.log.Debug("Backend request",
		"method", req.Method,
		"path", req.URL.Path,
		"status_code", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode != expect {
		return decodeError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", req.Method, req.URL.Path, err)
	}

	return nil
}

// decodeError turns a failed response into an *Error, keeping the status
// even when the body is not the expected JSON.
func decodeError(resp *http.Response) error {
	e := &Error{Status: resp.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body schema.Error
	if err := json.Unmarshal(data, &body); err == nil && (body.Code != "" || body.Message != "") {
		e.Code = body.Code
		e.Message = body.Message
	} else {
		e.Message = strings.TrimSpace(string(data))
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
	}

	return e
}

func sessionPath(session schema.Session) string {
	return "/sessions/" + url.PathEscape(session.UploadID)
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
