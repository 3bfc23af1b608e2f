// Package connector defines the session transport used to talk to a device's
// HTTP filesystem API.
package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// UserAgent is sent with every request.
const UserAgent = "CircuitPython Web Loader"

// DefaultURL is used when neither the caller nor the registry names a device.
const DefaultURL = "http://circuitpython.local"

var (
	// ErrUnreachable is returned when the identity or discovery endpoint
	// does not answer with success.
	ErrUnreachable = errors.New("device unreachable")

	// ErrTransferFailed is returned when a filesystem verb fails.
	ErrTransferFailed = errors.New("transfer failed")
)

// Identity is the payload of /cp/version.json.
type Identity struct {
	Hostname      string `json:"hostname"`
	BoardName     string `json:"board_name"`
	BoardID       string `json:"board_id,omitempty"`
	MCUName       string `json:"mcu_name,omitempty"`
	Version       string `json:"version"`
	WebAPIVersion int    `json:"web_api_version,omitempty"`
	IP            string `json:"ip"`
	Port          int    `json:"port,omitempty"`
	UID           string `json:"UID,omitempty"`
}

// Peer is one entry of /cp/devices.json.
type Peer struct {
	Hostname     string `json:"hostname"`
	InstanceName string `json:"instance_name"`
	IP           string `json:"ip"`
	Port         int    `json:"port,omitempty"`
}

// FileEntry is a single item of a directory listing.
type FileEntry struct {
	Name       string `json:"name"`
	Directory  bool   `json:"directory"`
	ModifiedNS int64  `json:"modified_ns"`
	FileSize   int64  `json:"file_size"`
}

// Listing is a parsed directory listing. Older firmware returns a bare array
// of entries, newer firmware wraps it with volume information.
type Listing struct {
	Free      int64       `json:"free"`
	Total     int64       `json:"total"`
	BlockSize int64       `json:"block_size"`
	Writable  bool        `json:"writable"`
	Files     []FileEntry `json:"files"`
}

// UnmarshalJSON accepts both the array and the object form.
func (l *Listing) UnmarshalJSON(data []byte) error {
	var entries []FileEntry
	if err := json.Unmarshal(data, &entries); err == nil {
		*l = Listing{Files: entries}
		return nil
	}

	type plain Listing
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return errors.Wrap(err, "decode directory listing")
	}
	*l = Listing(p)
	return nil
}

// Transport is the interface for issuing requests against a device.
type Transport interface {
	// Reset starts a fresh session with no credential attached.
	Reset()

	// SetCredential attaches "Authorization: Basic <credential>" to every
	// subsequent request.
	SetCredential(credential string)

	// ProbeIdentity fetches the device's identity.
	ProbeIdentity(ctx context.Context, baseURL string) (*Identity, error)

	// ListPeers fetches the devices the primary device has discovered.
	ListPeers(ctx context.Context, baseURL string) ([]Peer, error)

	// PutFile stores body under name.
	PutFile(ctx context.Context, baseURL, name string, body io.Reader) error

	// GetFile returns the contents of name.
	GetFile(ctx context.Context, baseURL, name string) ([]byte, error)

	// DeleteFile removes name.
	DeleteFile(ctx context.Context, baseURL, name string) error

	// MoveFile renames name to newName.
	MoveFile(ctx context.Context, baseURL, name, newName string) error

	// ListFiles lists the directory dir.
	ListFiles(ctx context.Context, baseURL, dir string) (*Listing, error)
}

// EncodeCredential returns the Basic auth token for a device password. The
// device expects an empty user name, so the token is base64(":" + password).
func EncodeCredential(password string) string {
	return base64.StdEncoding.EncodeToString([]byte(":" + password))
}

// RequestError describes a request that did not succeed. Kind is one of
// ErrUnreachable or ErrTransferFailed; Status is zero when no response was
// received.
type RequestError struct {
	Kind   error
	Method string
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("%s %s failed: status=%d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s failed: status=%d body=%s", e.Method, e.Path, e.Status, e.Body)
}

// Is reports whether target is the error kind.
func (e *RequestError) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the network error, if any.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is a request that never received a
// response.
func IsConnectionError(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status == 0
	}
	return false
}
