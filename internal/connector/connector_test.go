package connector

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/pkg/errors"
)

func TestEncodeCredential(t *testing.T) {
	tests := []struct {
		password string
		want     string
	}{
		{"secret", "OnNlY3JldA=="},
		{"", "Og=="},
		{"pa:ss", "OnBhOnNz"},
	}

	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			if got := EncodeCredential(tt.password); got != tt.want {
				t.Errorf("EncodeCredential(%q) = %q, want %q", tt.password, got, tt.want)
			}
		})
	}
}

func TestListingUnmarshal(t *testing.T) {
	t.Run("array form", func(t *testing.T) {
		data := `[{"name":"code.py","directory":false,"modified_ns":1,"file_size":42},{"name":"lib","directory":true}]`
		var l Listing
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(l.Files) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(l.Files))
		}
		if l.Files[0].FileSize != 42 || !l.Files[1].Directory {
			t.Errorf("unexpected entries: %+v", l.Files)
		}
	})

	t.Run("object form", func(t *testing.T) {
		data := `{"free":10,"total":100,"block_size":512,"writable":true,"files":[{"name":"boot_out.txt","file_size":7}]}`
		var l Listing
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if l.Free != 10 || l.Total != 100 || !l.Writable {
			t.Errorf("volume info not decoded: %+v", l)
		}
		if len(l.Files) != 1 || l.Files[0].Name != "boot_out.txt" {
			t.Errorf("unexpected files: %+v", l.Files)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		var l Listing
		if err := json.Unmarshal([]byte(`"nope"`), &l); err == nil {
			t.Error("expected error for string payload")
		}
	})
}

func TestRequestError(t *testing.T) {
	statusErr := &RequestError{Kind: ErrTransferFailed, Method: "DELETE", Path: "/fs/foo.txt", Status: 404}
	if !errors.Is(statusErr, ErrTransferFailed) {
		t.Error("expected status error to match ErrTransferFailed")
	}
	if errors.Is(statusErr, ErrUnreachable) {
		t.Error("status error should not match ErrUnreachable")
	}
	if IsConnectionError(statusErr) {
		t.Error("status error is not a connection error")
	}
	if got := statusErr.Error(); got != "DELETE /fs/foo.txt failed: status=404" {
		t.Errorf("unexpected message %q", got)
	}

	netErr := errors.Wrap(&RequestError{Kind: ErrUnreachable, Method: "GET", Path: "/cp/version.json", Err: io.ErrUnexpectedEOF}, "probe")
	if !errors.Is(netErr, ErrUnreachable) {
		t.Error("expected wrapped error to match ErrUnreachable")
	}
	if !IsConnectionError(netErr) {
		t.Error("expected connection error")
	}
}
