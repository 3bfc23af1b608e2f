package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	r, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.IDs()) != 0 {
		t.Errorf("expected empty registry, got %v", r.IDs())
	}
	if !r.Dirty() {
		t.Error("expected missing file to mark registry dirty")
	}

	wrote, err := r.Save()
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !wrote {
		t.Error("expected first save to write")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
	if !strings.Contains(string(data), `"devices": {}`) {
		t.Errorf("unexpected content %q", data)
	}
}

func TestLoadWithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{
  // boards on the bench
  "devices": {
    "abcd1234": {"url": "http://cpy-abcd1234.local", "password": "OnNlY3JldA=="},
  },
}`)

	r, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, ok := r.Get("abcd1234")
	if !ok {
		t.Fatal("expected abcd1234 to be present")
	}
	if rec.URL != "http://cpy-abcd1234.local" || rec.Password != "OnNlY3JldA==" {
		t.Errorf("unexpected record %+v", rec)
	}
	if r.Dirty() {
		t.Error("freshly loaded registry should not be dirty")
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"devices": [`)

	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveWithoutChangesIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"devices": {"abcd1234": {"url": "http://cpy-abcd1234.local", "password": ""}}}`)
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	r, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Re-putting an identical record is not a change.
	if r.Put("abcd1234", Record{URL: "http://cpy-abcd1234.local"}) {
		t.Error("identical record reported as a change")
	}

	wrote, err := r.Save()
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if wrote {
		t.Error("expected no write when nothing changed")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.ModTime().Equal(old) {
		t.Error("file was rewritten")
	}
}

func TestSaveAfterCredentialAdded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"devices": {"abcd1234": {"url": "http://cpy-abcd1234.local", "password": ""}}}`)

	r, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := r.Get("abcd1234")
	rec.Password = "OnNlY3JldA=="
	if !r.Put("abcd1234", rec) {
		t.Fatal("expected credential change to be reported")
	}
	if !r.Dirty() {
		t.Error("expected registry to be dirty")
	}

	wrote, err := r.Save()
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !wrote {
		t.Fatal("expected save to write")
	}
	if r.Dirty() {
		t.Error("expected save to clear dirty flag")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	got, ok := reloaded.Get("abcd1234")
	if !ok || got.Password != "OnNlY3JldA==" {
		t.Errorf("credential not persisted: %+v", got)
	}
}

func TestIDsSorted(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "config.json"))
	r.Put("zz", Record{URL: "http://cpy-zz.local"})
	r.Put("aa", Record{URL: "http://cpy-aa.local"})
	r.Put("mm", Record{URL: "http://cpy-mm.local"})

	ids := r.IDs()
	want := []string{"aa", "mm", "zz"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}
