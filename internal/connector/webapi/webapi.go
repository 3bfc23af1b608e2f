// Package webapi provides a connector for the device's HTTP file API.
package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/connector"
)

// methodMove is the non-standard verb the device uses for renames.
const methodMove = "MOVE"

// Connector issues requests against /fs/ and /cp/ paths.
type Connector struct {
	httpClient *http.Client
	credential string
}

// Option configures the connector.
type Option func(*Connector)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(conn *Connector) {
		conn.httpClient = c
	}
}

// New creates a connector. No timeout is set on the default client, so a
// request takes as long as the device needs unless WithHTTPClient says
// otherwise.
func New(opts ...Option) *Connector {
	c := &Connector{
		httpClient: &http.Client{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Reset drops the credential.
func (c *Connector) Reset() {
	c.credential = ""
}

// SetCredential attaches the Basic auth token to subsequent requests.
func (c *Connector) SetCredential(credential string) {
	c.credential = credential
}

// ProbeIdentity reads /cp/version.json.
func (c *Connector) ProbeIdentity(ctx context.Context, baseURL string) (*connector.Identity, error) {
	body, err := c.do(ctx, connector.ErrUnreachable, http.MethodGet, cpURL(baseURL, "version.json"), nil, nil)
	if err != nil {
		return nil, err
	}

	var identity connector.Identity
	if err := json.Unmarshal(body, &identity); err != nil {
		return nil, errors.Wrapf(connector.ErrUnreachable, "decode version.json: %v", err)
	}
	return &identity, nil
}

// ListPeers reads /cp/devices.json.
func (c *Connector) ListPeers(ctx context.Context, baseURL string) ([]connector.Peer, error) {
	body, err := c.do(ctx, connector.ErrUnreachable, http.MethodGet, cpURL(baseURL, "devices.json"), nil, nil)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Total   int              `json:"total"`
		Devices []connector.Peer `json:"devices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrapf(connector.ErrUnreachable, "decode devices.json: %v", err)
	}
	return parsed.Devices, nil
}

// PutFile uploads body as name.
func (c *Connector) PutFile(ctx context.Context, baseURL, name string, body io.Reader) error {
	headers := map[string]string{"Content-Type": "application/octet-stream"}
	_, err := c.do(ctx, connector.ErrTransferFailed, http.MethodPut, fsURL(baseURL, name), body, headers)
	return err
}

// GetFile downloads name.
func (c *Connector) GetFile(ctx context.Context, baseURL, name string) ([]byte, error) {
	return c.do(ctx, connector.ErrTransferFailed, http.MethodGet, fsURL(baseURL, name), nil, nil)
}

// DeleteFile removes name.
func (c *Connector) DeleteFile(ctx context.Context, baseURL, name string) error {
	_, err := c.do(ctx, connector.ErrTransferFailed, http.MethodDelete, fsURL(baseURL, name), nil, nil)
	return err
}

// MoveFile renames name to newName.
func (c *Connector) MoveFile(ctx context.Context, baseURL, name, newName string) error {
	headers := map[string]string{"Destination": newName}
	_, err := c.do(ctx, connector.ErrTransferFailed, methodMove, fsURL(baseURL, name), nil, headers)
	return err
}

// ListFiles fetches the JSON listing of dir.
func (c *Connector) ListFiles(ctx context.Context, baseURL, dir string) (*connector.Listing, error) {
	headers := map[string]string{"Accept": "application/json"}
	body, err := c.do(ctx, connector.ErrTransferFailed, http.MethodGet, fsURL(baseURL, dirPath(dir)), nil, headers)
	if err != nil {
		return nil, err
	}

	var listing connector.Listing
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, errors.Wrapf(connector.ErrTransferFailed, "list %s: %v", dir, err)
	}
	return &listing, nil
}

// String returns a description of the connector.
func (c *Connector) String() string {
	if c.credential == "" {
		return "webapi (anonymous)"
	}
	return "webapi (authenticated)"
}

// do issues a single request and returns the body of a 2xx response. Any
// other outcome is reported as a *connector.RequestError of the given kind.
func (c *Connector) do(ctx context.Context, kind error, method, target string, body io.Reader, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrapf(kind, "build %s request: %v", method, err)
	}
	req.Header.Set("User-Agent", connector.UserAgent)
	if c.credential != "" {
		req.Header.Set("Authorization", "Basic "+c.credential)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	log.Debug().Str("method", method).Str("url", target).Msg("device request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &connector.RequestError{Kind: kind, Method: method, Path: req.URL.Path, Err: err}
	}
	defer resp.Body.Close()
	log.Debug().Str("method", method).Str("url", target).Int("status", resp.StatusCode).Msg("device response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &connector.RequestError{
			Kind:   kind,
			Method: method,
			Path:   req.URL.Path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, &connector.RequestError{Kind: kind, Method: method, Path: req.URL.Path, Err: err}
	}
	return buf.Bytes(), nil
}

func cpURL(baseURL, name string) string {
	return fmt.Sprintf("%s/cp/%s", strings.TrimSuffix(baseURL, "/"), name)
}

// fsURL joins baseURL and the path-escaped segments of name under /fs/.
func fsURL(baseURL, name string) string {
	trailing := strings.HasSuffix(name, "/")
	segments := strings.Split(strings.Trim(name, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	p := strings.Join(segments, "/")
	if trailing && p != "" {
		p += "/"
	}
	return fmt.Sprintf("%s/fs/%s", strings.TrimSuffix(baseURL, "/"), p)
}

// dirPath normalizes a directory argument: "" and "/" are the root, anything
// else gets a trailing slash so the device answers with a listing.
func dirPath(dir string) string {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return ""
	}
	return dir + "/"
}

// Ensure Connector implements the connector.Transport interface.
var _ connector.Transport = (*Connector)(nil)
