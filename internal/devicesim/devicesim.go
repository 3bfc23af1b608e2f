// Package devicesim emulates a device's HTTP API in-process so the transport
// and the CLI can be exercised without hardware.
package devicesim

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/connector"
)

// Device is an emulated board backed by an in-memory filesystem.
type Device struct {
	Identity connector.Identity
	Peers    []connector.Peer

	// Password guards /fs/. Empty disables the check.
	Password string

	// FailStatus forces every /fs/ request to answer with this status.
	FailStatus int

	// Delay holds every response back until it passes or the client gives
	// up. Set it with SetDelay once the server is running.
	Delay time.Duration

	mu       sync.Mutex
	files    map[string][]byte
	requests []Request
	server   *httptest.Server
}

// Request records what the device received.
type Request struct {
	Method        string
	Path          string
	Authorization string
	UserAgent     string
	Destination   string
}

// New creates a device with the given identity.
func New(identity connector.Identity) *Device {
	return &Device{
		Identity: identity,
		files:    make(map[string][]byte),
	}
}

// Start serves the device on a loopback listener. Callers must Close it.
func (d *Device) Start() string {
	d.server = httptest.NewServer(d)
	return d.server.URL
}

// Close stops the server.
func (d *Device) Close() {
	if d.server != nil {
		d.server.Close()
		d.server = nil
	}
}

// SetFile stores content at name.
func (d *Device) SetFile(name string, content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[clean(name)] = append([]byte(nil), content...)
}

// File returns the content stored at name.
func (d *Device) File(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.files[clean(name)]
	return b, ok
}

// Requests returns a copy of every request received so far.
func (d *Device) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

// SetDelay changes Delay while the server is running.
func (d *Device) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Delay = delay
}

// ServeHTTP implements http.Handler.
func (d *Device) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	d.requests = append(d.requests, Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		UserAgent:     r.Header.Get("User-Agent"),
		Destination:   r.Header.Get("Destination"),
	})
	delay := d.Delay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	switch {
	case r.URL.Path == "/cp/version.json" && r.Method == http.MethodGet:
		writeJSON(w, d.Identity)
	case r.URL.Path == "/cp/devices.json" && r.Method == http.MethodGet:
		writeJSON(w, map[string]any{"total": len(d.Peers), "devices": d.peers()})
	case strings.HasPrefix(r.URL.Path, "/fs/"):
		d.serveFS(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (d *Device) serveFS(w http.ResponseWriter, r *http.Request) {
	if d.Password != "" && r.Header.Get("Authorization") != "Basic "+connector.EncodeCredential(d.Password) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if d.FailStatus != 0 {
		w.WriteHeader(d.FailStatus)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/fs/")
	if name == "" || strings.HasSuffix(name, "/") {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, d.list(name))
		return
	}
	name = clean(name)

	d.mu.Lock()
	defer d.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		b, ok := d.files[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(b)
	case http.MethodPut:
		b, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, existed := d.files[name]
		d.files[name] = b
		if existed {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusCreated)
		}
	case http.MethodDelete:
		if _, ok := d.files[name]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(d.files, name)
		w.WriteHeader(http.StatusNoContent)
	case "MOVE":
		b, ok := d.files[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		dst := clean(strings.TrimPrefix(r.Header.Get("Destination"), "/fs/"))
		if dst == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		delete(d.files, name)
		d.files[dst] = b
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// list returns the direct children of dir in the newer object form.
func (d *Device) list(dir string) connector.Listing {
	d.mu.Lock()
	defer d.mu.Unlock()

	prefix := clean(dir)
	if prefix != "" {
		prefix += "/"
	}
	seen := make(map[string]connector.FileEntry)
	for name, b := range d.files {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			seen[rest[:i]] = connector.FileEntry{Name: rest[:i], Directory: true}
			continue
		}
		seen[rest] = connector.FileEntry{Name: rest, FileSize: int64(len(b))}
	}

	listing := connector.Listing{Free: 1024, Total: 4096, BlockSize: 512, Writable: true, Files: []connector.FileEntry{}}
	for _, e := range seen {
		listing.Files = append(listing.Files, e)
	}
	sort.Slice(listing.Files, func(i, j int) bool { return listing.Files[i].Name < listing.Files[j].Name })
	return listing
}

func (d *Device) peers() []connector.Peer {
	if d.Peers == nil {
		return []connector.Peer{}
	}
	return d.Peers
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func clean(name string) string {
	c := path.Clean("/" + name)
	return strings.TrimPrefix(c, "/")
}
