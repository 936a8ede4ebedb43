// Package docstore is a minimal client for the document backend's REST
// surface: read, partial update and create, addressed by
// "<collection>/<key>" paths relative to the database's documents root.
package docstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/protobuf/encoding/protojson"
)

const (
	DefaultBaseURL    = "https://firestore.googleapis.com/v1"
	DefaultDatabaseID = "(default)"
	DefaultTimeout    = 15 * time.Second

	maxPayload = 1 << 20
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Config struct {
	BaseURL    string
	ProjectID  string
	DatabaseID string

	// Timeout bounds each request, on top of the caller's context.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client issues one HTTP request per call; concurrent calls do not share
// request or response state.
type Client struct {
	cfg    Config
	client *http.Client
	tokens TokenSource
	root   string
}

func NewClient(cfg Config, tokens TokenSource) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.DatabaseID == "" {
		cfg.DatabaseID = DefaultDatabaseID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	root := fmt.Sprintf("%s/projects/%s/databases/%s/documents",
		strings.TrimRight(cfg.BaseURL, "/"), url.PathEscape(cfg.ProjectID), cfg.DatabaseID)

	return &Client{cfg: cfg, client: client, tokens: tokens, root: root}
}

// Get reads the document or collection at path and returns the raw
// response payload.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	u, err := c.documentURL(path)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodGet, u, nil)
}

// Patch updates only the masked fields of the document at path.  The
// document must already exist: a missing document fails with NotFound
// rather than being created.
func (c *Client) Patch(ctx context.Context, path string, fields map[string]string, mask []string) error {
	u, err := c.documentURL(path)
	if err != nil {
		return err
	}
	q := url.Values{}
	for _, f := range mask {
		q.Add("updateMask.fieldPaths", f)
	}
	q.Set("currentDocument.exists", "true")

	body, err := encodeDocument(fields)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPatch, u+"?"+q.Encode(), body)
	return err
}

// Create creates the document at path.  Fails with AlreadyExists if it is
// already there.
func (c *Client) Create(ctx context.Context, path string, fields map[string]string) error {
	parent, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	u, err := c.documentURL(parent)
	if err != nil {
		return err
	}

	body, err := encodeDocument(fields)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, u+"?documentId="+url.QueryEscape(id), body)
	return err
}

func (c *Client) documentURL(path string) (string, error) {
	segs, err := splitSegments(path)
	if err != nil {
		return "", err
	}
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return c.root + "/" + strings.Join(segs, "/"), nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("docstore: %s: %w", method, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("docstore: %s: %w", method, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload))
	if err != nil {
		return nil, fmt.Errorf("docstore: %s: read body: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("docstore: %s: %w", method, decodeError(resp.StatusCode, resp.Status, payload))
	}
	return payload, nil
}

// encodeDocument builds the wire document: every field a string value.
func encodeDocument(fields map[string]string) ([]byte, error) {
	doc := &firestorepb.Document{Fields: make(map[string]*firestorepb.Value, len(fields))}
	for k, v := range fields {
		doc.Fields[k] = &firestorepb.Value{ValueType: &firestorepb.Value_StringValue{StringValue: v}}
	}
	b, err := protojson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode document: %w", err)
	}
	return b, nil
}

// SplitPath splits "<parent>/<id>" at its last separator.
func SplitPath(path string) (parent, id string, err error) {
	if _, err := splitSegments(path); err != nil {
		return "", "", err
	}
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", "", fmt.Errorf("%w: %q has no document id", ErrInvalidPath, path)
	}
	return path[:i], path[i+1:], nil
}

func splitSegments(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return segs, nil
}
