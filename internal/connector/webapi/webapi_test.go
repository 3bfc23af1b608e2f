package webapi

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/connector"
	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/devicesim"
)

func newDevice(t *testing.T) (*devicesim.Device, string) {
	t.Helper()
	dev := devicesim.New(connector.Identity{
		Hostname:  "cpy-abcd1234",
		BoardName: "Feather S3",
		Version:   "9.0",
		IP:        "10.0.0.5",
		UID:       "F412FA000000",
	})
	dev.Peers = []connector.Peer{{Hostname: "cpy-beef0001", InstanceName: "QT Py", IP: "10.0.0.6"}}
	dev.Password = "secret"
	base := dev.Start()
	t.Cleanup(dev.Close)
	return dev, base
}

func TestProbeIdentity(t *testing.T) {
	dev, base := newDevice(t)
	c := New()

	identity, err := c.ProbeIdentity(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, "cpy-abcd1234", identity.Hostname)
	assert.Equal(t, "Feather S3", identity.BoardName)
	assert.Equal(t, "9.0", identity.Version)
	assert.Equal(t, "10.0.0.5", identity.IP)
	assert.Equal(t, "F412FA000000", identity.UID)

	reqs := dev.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, connector.UserAgent, reqs[0].UserAgent)
	assert.Empty(t, reqs[0].Authorization, "no credential before SetCredential")
}

func TestHTTPClientTimeout(t *testing.T) {
	dev, base := newDevice(t)
	dev.SetDelay(time.Second)

	c := New(WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	start := time.Now()
	_, err := c.ProbeIdentity(context.Background(), base)
	require.Error(t, err)
	assert.True(t, errors.Is(err, connector.ErrUnreachable))
	assert.Less(t, time.Since(start), time.Second)
}

func TestProbeIdentityUnreachable(t *testing.T) {
	dev, base := newDevice(t)
	dev.Close()

	_, err := New().ProbeIdentity(context.Background(), base)
	require.Error(t, err)
	assert.True(t, errors.Is(err, connector.ErrUnreachable))
	assert.True(t, connector.IsConnectionError(err))
}

func TestProbeIdentityNotFound(t *testing.T) {
	_, base := newDevice(t)

	_, err := New().ProbeIdentity(context.Background(), base+"/missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, connector.ErrUnreachable))
	assert.False(t, connector.IsConnectionError(err))
}

func TestListPeers(t *testing.T) {
	_, base := newDevice(t)

	peers, err := New().ListPeers(context.Background(), base)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "cpy-beef0001", peers[0].Hostname)
	assert.Equal(t, "QT Py", peers[0].InstanceName)
	assert.Equal(t, "10.0.0.6", peers[0].IP)
}

func TestFileRoundTrip(t *testing.T) {
	dev, base := newDevice(t)
	ctx := context.Background()
	c := New()
	c.SetCredential(connector.EncodeCredential("secret"))

	content := []byte("print('hello')\n")
	require.NoError(t, c.PutFile(ctx, base, "code.py", bytes.NewReader(content)))

	stored, ok := dev.File("code.py")
	require.True(t, ok)
	assert.Equal(t, content, stored)

	got, err := c.GetFile(ctx, base, "code.py")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	require.NoError(t, c.MoveFile(ctx, base, "code.py", "/fs/main.py"))
	_, ok = dev.File("code.py")
	assert.False(t, ok)
	_, ok = dev.File("main.py")
	assert.True(t, ok)

	require.NoError(t, c.DeleteFile(ctx, base, "main.py"))
	_, ok = dev.File("main.py")
	assert.False(t, ok)

	for _, r := range dev.Requests() {
		assert.Equal(t, "Basic OnNlY3JldA==", r.Authorization, "%s %s", r.Method, r.Path)
	}
}

func TestMoveSendsDestination(t *testing.T) {
	dev, base := newDevice(t)
	dev.SetFile("a.txt", []byte("a"))
	c := New()
	c.SetCredential(connector.EncodeCredential("secret"))

	require.NoError(t, c.MoveFile(context.Background(), base, "a.txt", "b.txt"))

	reqs := dev.Requests()
	require.NotEmpty(t, reqs)
	last := reqs[len(reqs)-1]
	assert.Equal(t, "MOVE", last.Method)
	assert.Equal(t, "/fs/a.txt", last.Path)
	assert.Equal(t, "b.txt", last.Destination)
}

func TestTransferFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		cred   string
		call   func(c *Connector, base string) error
	}{
		{
			name: "delete missing file",
			cred: "secret",
			call: func(c *Connector, base string) error {
				return c.DeleteFile(context.Background(), base, "foo.txt")
			},
			status: http.StatusNotFound,
		},
		{
			name: "download missing file",
			cred: "secret",
			call: func(c *Connector, base string) error {
				_, err := c.GetFile(context.Background(), base, "foo.txt")
				return err
			},
			status: http.StatusNotFound,
		},
		{
			name: "upload with wrong password",
			cred: "wrong",
			call: func(c *Connector, base string) error {
				return c.PutFile(context.Background(), base, "foo.txt", bytes.NewReader(nil))
			},
			status: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, base := newDevice(t)
			c := New()
			c.SetCredential(connector.EncodeCredential(tt.cred))

			err := tt.call(c, base)
			require.Error(t, err)
			assert.True(t, errors.Is(err, connector.ErrTransferFailed))

			var reqErr *connector.RequestError
			require.True(t, errors.As(err, &reqErr))
			assert.Equal(t, tt.status, reqErr.Status)
		})
	}
}

func TestListFiles(t *testing.T) {
	dev, base := newDevice(t)
	dev.SetFile("code.py", []byte("x"))
	dev.SetFile("lib/adafruit_bus_device/i2c_device.mpy", []byte("yy"))
	dev.SetFile("lib/neopixel.mpy", []byte("zzz"))
	c := New()
	c.SetCredential(connector.EncodeCredential("secret"))

	root, err := c.ListFiles(context.Background(), base, "")
	require.NoError(t, err)
	require.Len(t, root.Files, 2)
	assert.Equal(t, "code.py", root.Files[0].Name)
	assert.Equal(t, "lib", root.Files[1].Name)
	assert.True(t, root.Files[1].Directory)

	lib, err := c.ListFiles(context.Background(), base, "/lib")
	require.NoError(t, err)
	require.Len(t, lib.Files, 2)
	assert.Equal(t, "adafruit_bus_device", lib.Files[0].Name)
	assert.Equal(t, int64(3), lib.Files[1].FileSize)

	reqs := dev.Requests()
	assert.Equal(t, "/fs/lib/", reqs[len(reqs)-1].Path)
}

func TestResetDropsCredential(t *testing.T) {
	c := New()
	c.SetCredential("abc")
	assert.Equal(t, "webapi (authenticated)", c.String())
	c.Reset()
	assert.Equal(t, "webapi (anonymous)", c.String())
}

func TestFSURL(t *testing.T) {
	tests := []struct {
		base, name, want string
	}{
		{"http://cpy-x.local", "code.py", "http://cpy-x.local/fs/code.py"},
		{"http://cpy-x.local/", "code.py", "http://cpy-x.local/fs/code.py"},
		{"http://cpy-x.local", "", "http://cpy-x.local/fs/"},
		{"http://cpy-x.local", "lib/", "http://cpy-x.local/fs/lib/"},
		{"http://cpy-x.local", "my file.txt", "http://cpy-x.local/fs/my%20file.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fsURL(tt.base, tt.name))
		})
	}
}
