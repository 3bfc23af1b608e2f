// Package registry stores the devices the tool has connected to, keyed by
// device id, together with their base URL and credential.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/tidwall/jsonc"
)

// Record is one known device.
type Record struct {
	// URL is the device's base URL, e.g. http://cpy-abcd1234.local.
	URL string `json:"url"`

	// Password is the Basic auth token, base64(":" + password).
	Password string `json:"password"`
}

// file is the on-disk layout.
type file struct {
	Devices map[string]Record `json:"devices"`
}

// Registry is the set of known devices. It is not safe for concurrent use;
// the worker is its only writer while a session runs.
type Registry struct {
	path    string
	devices map[string]Record
	dirty   bool
}

// New returns an empty registry that will be saved to path.
func New(path string) *Registry {
	return &Registry{
		path:    path,
		devices: make(map[string]Record),
	}
}

// Load reads the registry at path. A missing file yields an empty registry
// that is already marked dirty, so the first Save creates it. Comments and
// trailing commas are accepted.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		r := New(path)
		r.dirty = true
		return r, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read registry %s", path)
	}

	r := New(path)
	if len(data) == 0 {
		r.dirty = true
		return r, nil
	}

	var f file
	if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
		return nil, errors.Wrapf(err, "parse registry %s", path)
	}
	for id, rec := range f.Devices {
		r.devices[id] = rec
	}
	return r, nil
}

// Path returns the file the registry is saved to.
func (r *Registry) Path() string {
	return r.path
}

// Get returns the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	rec, ok := r.devices[id]
	return rec, ok
}

// Put stores rec under id and reports whether anything changed.
func (r *Registry) Put(id string, rec Record) bool {
	if old, ok := r.devices[id]; ok && old == rec {
		return false
	}
	r.devices[id] = rec
	r.dirty = true
	return true
}

// IDs returns every known device id in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dirty reports whether a record changed since the last load or save.
func (r *Registry) Dirty() bool {
	return r.dirty
}

// Save writes the registry if it is dirty and reports whether it wrote.
func (r *Registry) Save() (bool, error) {
	if !r.dirty {
		return false, nil
	}

	data, err := json.MarshalIndent(file{Devices: r.devices}, "", "  ")
	if err != nil {
		return false, errors.Wrap(err, "encode registry")
	}
	data = append(data, '\n')

	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, errors.Wrapf(err, "create %s", dir)
		}
	}

	// Sibling temp file, then rename over the old registry.
	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*")
	if err != nil {
		return false, errors.Wrap(err, "create temp registry")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, errors.Wrapf(err, "write %s", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return false, errors.Wrapf(err, "close %s", tmpPath)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return false, errors.Wrapf(err, "chmod %s", tmpPath)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return false, errors.Wrapf(err, "rename %s", tmpPath)
	}

	r.dirty = false
	return true, nil
}
