// Package worker runs queued commands against one device, one at a time, and
// streams progress and results back to the caller.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/connector"
	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/discovery"
	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/registry"
)

var (
	// ErrNotConnected is returned for device operations issued while not
	// connected.
	ErrNotConnected = errors.New("not connected to device")

	// ErrUnknownCommand is returned for commands with an unknown kind.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrStopped is returned by Enqueue once the worker has terminated.
	ErrStopped = errors.New("worker stopped")

	// ErrCredentialPending is returned by SupplyCredential when a credential
	// is already waiting to be consumed.
	ErrCredentialPending = errors.New("credential already supplied")
)

// State is the connection state.
type State int32

// Connection states.
const (
	Disconnected State = iota
	Connecting
	AwaitingCredential
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingCredential:
		return "awaiting-credential"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Registry is the subset of the device registry the worker needs.
type Registry interface {
	Get(id string) (registry.Record, bool)
	Put(id string, rec registry.Record) bool
}

// Target selects the device. Both fields are optional.
type Target struct {
	// URL is an explicit base URL. Empty or connector.DefaultURL means
	// "resolve from the registry".
	URL string

	// DeviceID is the registry key. Empty means derive it from the identity.
	DeviceID string
}

// Worker owns one device session. Run is its only goroutine; every other
// method is safe to call from the caller side.
type Worker struct {
	transport  connector.Transport
	registry   Registry
	deriveID   discovery.IDStrategy
	localDir   string
	queueSize  int
	stateValue atomic.Int32
	running    atomic.Bool
	failed     atomic.Bool

	// Only touched by Run.
	ctx         context.Context
	requestURL  string
	explicitURL bool
	baseURL     string
	deviceID    string
	identity    *connector.Identity
	peers       []connector.Peer
	handlers    map[Kind]func(context.Context, Command) error

	commands    chan Command
	events      chan Event
	credentials chan string
	done        chan struct{}
}

// Option configures the worker.
type Option func(*Worker)

// WithIDStrategy sets how a device id is derived from its identity.
func WithIDStrategy(s discovery.IDStrategy) Option {
	return func(w *Worker) {
		w.deriveID = s
	}
}

// WithLocalDir sets the directory relative file names resolve against.
func WithLocalDir(dir string) Option {
	return func(w *Worker) {
		w.localDir = dir
	}
}

// WithQueueSize sets the command and event buffer sizes.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// New creates a worker for target. Call Run to start it.
func New(target Target, reg Registry, transport connector.Transport, opts ...Option) *Worker {
	w := &Worker{
		transport: transport,
		registry:  reg,
		deriveID:  discovery.FromHostname,
		queueSize: 64,
		ctx:       context.Background(),
		deviceID:  target.DeviceID,
	}

	for _, opt := range opts {
		opt(w)
	}

	w.requestURL = strings.TrimSuffix(target.URL, "/")
	if w.requestURL == "" {
		w.requestURL = connector.DefaultURL
	}
	w.explicitURL = w.requestURL != connector.DefaultURL
	w.baseURL = w.requestURL

	w.commands = make(chan Command, w.queueSize)
	w.events = make(chan Event, w.queueSize)
	w.credentials = make(chan string, 1)
	w.done = make(chan struct{})
	w.handlers = map[Kind]func(context.Context, Command) error{
		Upload:      w.upload,
		Download:    w.download,
		Delete:      w.delete,
		Move:        w.move,
		List:        w.list,
		ListDevices: w.listDevices,
	}
	return w
}

// Enqueue appends cmd to the queue. It blocks while the queue is full and
// returns ErrStopped once the worker has terminated.
func (w *Worker) Enqueue(cmd Command) error {
	select {
	case <-w.done:
		return ErrStopped
	default:
	}

	select {
	case w.commands <- cmd:
		return nil
	case <-w.done:
		return ErrStopped
	}
}

// Events is the output channel. It is closed when the worker terminates.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// SupplyCredential answers a CredentialRequested event with the device
// password.
func (w *Worker) SupplyCredential(password string) error {
	select {
	case w.credentials <- password:
		return nil
	default:
		return ErrCredentialPending
	}
}

// Done is closed after Events is closed and the worker has terminated.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Running reports whether Run is still processing commands.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// State returns the connection state.
func (w *Worker) State() State {
	return State(w.stateValue.Load())
}

// Failed reports whether a command failed and the queue was aborted.
func (w *Worker) Failed() bool {
	return w.failed.Load()
}

// DeviceID returns the registry key of the device. Read it after Done.
func (w *Worker) DeviceID() string {
	return w.deviceID
}

// BaseURL returns the effective base URL. Read it after Done.
func (w *Worker) BaseURL() string {
	return w.baseURL
}

// Run processes commands until Quit, a failure, or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.ctx = ctx
	w.running.Store(true)
	defer close(w.done)
	defer close(w.events)
	defer w.running.Store(false)

	for {
		var cmd Command
		select {
		case <-ctx.Done():
			log.Debug().Err(ctx.Err()).Msg("worker cancelled")
			return
		case cmd = <-w.commands:
		}

		if cmd.Kind == Quit {
			log.Debug().Msg("worker quit")
			return
		}

		log.Debug().Str("command", cmd.String()).Str("state", w.State().String()).Msg("dispatch")
		if err := w.dispatch(ctx, cmd); err != nil {
			log.Debug().Err(err).Str("command", cmd.String()).Msg("command failed")
			w.abort()
			return
		}
	}
}

// dispatch runs one command. A non-nil error means the command already
// reported its failure and the queue must be aborted.
func (w *Worker) dispatch(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case Connect:
		return w.connect(ctx)
	case Disconnect:
		w.disconnect()
		return nil
	}

	handler, ok := w.handlers[cmd.Kind]
	if !ok {
		w.log("Unknown command: " + string(cmd.Kind))
		return errors.Wrap(ErrUnknownCommand, string(cmd.Kind))
	}
	if cmd.RequiresConnection() && w.State() != Connected {
		w.result(false, "Not connected to device")
		return errors.Wrap(ErrNotConnected, cmd.String())
	}
	if err := cmd.Validate(); err != nil {
		w.result(false, err.Error())
		return err
	}
	return handler(ctx, cmd)
}

// abort discards every queued command and marks the worker failed.
func (w *Worker) abort() {
	w.failed.Store(true)
	w.setState(Failed)
	w.log("Failed.")

	discarded := 0
	for {
		select {
		case cmd := <-w.commands:
			log.Debug().Str("command", cmd.String()).Msg("discarded")
			discarded++
		default:
			log.Debug().Int("discarded", discarded).Msg("queue aborted")
			return
		}
	}
}

func (w *Worker) connect(ctx context.Context) error {
	if w.State() == Connected {
		w.log("Already connected to " + w.baseURL)
		return nil
	}
	w.setState(Connecting)

	usedDefault := false
	switch {
	case w.explicitURL:
		w.baseURL = w.requestURL
	case w.deviceID != "":
		if rec, ok := w.registry.Get(w.deviceID); ok && rec.URL != "" {
			w.baseURL = rec.URL
		} else {
			w.baseURL = connector.DefaultURL
			usedDefault = true
		}
	default:
		w.baseURL = connector.DefaultURL
		usedDefault = true
	}

	w.progress("Connecting to " + w.baseURL + "...")
	w.transport.Reset()
	identity, err := w.transport.ProbeIdentity(ctx, w.baseURL)
	if err != nil {
		w.result(false, "Failed to connect to "+w.baseURL)
		return errors.Wrapf(err, "connect %s", w.baseURL)
	}
	w.identity = identity

	if w.deviceID == "" {
		w.deviceID = w.deriveID(*identity)
	}
	rec, known := w.registry.Get(w.deviceID)
	if !known {
		rec = registry.Record{URL: discovery.DeviceURL(identity.Hostname)}
		w.registry.Put(w.deviceID, rec)
		log.Debug().Str("device", w.deviceID).Str("url", rec.URL).Msg("registered device")
	}
	if usedDefault && rec.URL != "" {
		w.baseURL = rec.URL
	}

	w.setState(Connected)
	w.result(true, "Okay")

	if rec.Password == "" {
		password, err := w.awaitCredential(ctx, identity.BoardName)
		if err != nil {
			return err
		}
		rec.Password = connector.EncodeCredential(password)
		w.registry.Put(w.deviceID, rec)
	}
	w.transport.SetCredential(rec.Password)

	w.log("Board: " + identity.BoardName)
	w.log("Firmware: " + identity.Version)
	w.log("IP Address: " + identity.IP)

	w.progress("Looking for other devices...")
	peers, err := w.transport.ListPeers(ctx, w.baseURL)
	if err != nil {
		w.result(false, "Failed to find other devices")
		return errors.Wrap(err, "list peers")
	}
	w.result(true, "Okay")
	w.peers = peers
	for _, p := range peers {
		w.log(fmt.Sprintf("Found: %s [%s]", p.InstanceName, discovery.DisplayID(p.Hostname)))
	}
	return nil
}

// awaitCredential asks the caller for the password and blocks until it
// arrives.
func (w *Worker) awaitCredential(ctx context.Context, board string) (string, error) {
	w.setState(AwaitingCredential)
	w.emit(Event{
		Kind:     CredentialRequested,
		Message:  fmt.Sprintf("Enter password for %s [%s]: ", board, w.deviceID),
		Board:    board,
		DeviceID: w.deviceID,
	})

	select {
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "await credential")
	case password := <-w.credentials:
		w.setState(Connected)
		return password, nil
	}
}

func (w *Worker) disconnect() {
	if w.State() != Connected {
		w.log("Not connected")
		return
	}
	w.transport.Reset()
	w.setState(Disconnected)
	w.log("Disconnected from " + w.baseURL)
}

func (w *Worker) upload(ctx context.Context, cmd Command) error {
	filename := cmd.Arg(0)
	w.progress("Uploading " + filename + "...")

	local := w.localPath(filename)
	info, err := os.Stat(local)
	if err != nil {
		w.result(false, fmt.Sprintf("Failed to upload %s: %v", filename, err))
		return errors.Wrapf(err, "stat %s", filename)
	}
	if info.IsDir() {
		w.result(false, fmt.Sprintf("Failed to upload %s: is a directory", filename))
		return errors.Errorf("upload %s: is a directory", filename)
	}

	f, err := os.Open(local)
	if err != nil {
		w.result(false, fmt.Sprintf("Failed to upload %s: %v", filename, err))
		return errors.Wrapf(err, "open %s", filename)
	}
	defer f.Close()

	remote := path.Base(filepath.ToSlash(filename))
	if err := w.transport.PutFile(ctx, w.baseURL, remote, f); err != nil {
		w.result(false, failure("Failed to upload "+filename, err))
		if connector.IsConnectionError(err) {
			w.log("Upload error. Try resetting the board.")
		}
		return errors.Wrapf(err, "upload %s", filename)
	}
	w.result(true, "Okay")
	return nil
}

func (w *Worker) download(ctx context.Context, cmd Command) error {
	filename := cmd.Arg(0)
	w.progress("Downloading " + filename + "...")

	data, err := w.transport.GetFile(ctx, w.baseURL, filename)
	if err != nil {
		w.result(false, failure("Failed to download "+filename, err))
		return errors.Wrapf(err, "download %s", filename)
	}

	local := w.localPath(path.Base(filepath.ToSlash(filename)))
	if err := os.WriteFile(local, data, 0o644); err != nil {
		w.result(false, fmt.Sprintf("Failed to download %s: %v", filename, err))
		return errors.Wrapf(err, "write %s", local)
	}
	w.result(true, "Okay")
	return nil
}

func (w *Worker) delete(ctx context.Context, cmd Command) error {
	filename := cmd.Arg(0)
	w.progress("Deleting " + filename + "...")

	if err := w.transport.DeleteFile(ctx, w.baseURL, filename); err != nil {
		w.result(false, failure("Failed to delete "+filename, err))
		return errors.Wrapf(err, "delete %s", filename)
	}
	w.result(true, "Okay")
	return nil
}

func (w *Worker) move(ctx context.Context, cmd Command) error {
	filename, newFilename := cmd.Arg(0), cmd.Arg(1)
	w.progress("Moving " + filename + " to " + newFilename + "...")

	if err := w.transport.MoveFile(ctx, w.baseURL, filename, newFilename); err != nil {
		w.result(false, failure("Failed to move "+filename, err))
		return errors.Wrapf(err, "move %s", filename)
	}
	w.result(true, "Okay")
	return nil
}

func (w *Worker) list(ctx context.Context, cmd Command) error {
	dir := cmd.Arg(0)
	w.progress("Listing files...")

	listing, err := w.transport.ListFiles(ctx, w.baseURL, dir)
	if err != nil {
		w.result(false, failure("Failed to list "+displayDir(dir), err))
		return errors.Wrapf(err, "list %s", dir)
	}
	w.result(true, "Okay")
	for _, line := range formatListing(listing) {
		w.log(line)
	}
	return nil
}

func (w *Worker) listDevices(ctx context.Context, cmd Command) error {
	self := discovery.Row{
		ID:   w.deviceID,
		Name: w.identity.BoardName,
		URL:  w.baseURL + "/",
		IP:   w.identity.IP,
	}
	for _, line := range discovery.Table(self, w.peers) {
		w.log(line)
	}
	return nil
}

func (w *Worker) localPath(name string) string {
	if filepath.IsAbs(name) || w.localDir == "" {
		return name
	}
	return filepath.Join(w.localDir, name)
}

func (w *Worker) setState(s State) {
	old := State(w.stateValue.Swap(int32(s)))
	if old != s {
		log.Debug().Str("from", old.String()).Str("to", s.String()).Msg("state")
	}
}

func (w *Worker) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.ctx.Done():
	}
}

func (w *Worker) progress(msg string) {
	w.emit(Event{Kind: Progress, Message: msg})
}

func (w *Worker) log(msg string) {
	w.emit(Event{Kind: Log, Message: msg})
}

func (w *Worker) result(ok bool, msg string) {
	w.emit(Event{Kind: Result, Message: msg, OK: ok})
}

// failure appends a short reason to msg.
func failure(msg string, err error) string {
	var reqErr *connector.RequestError
	if !errors.As(err, &reqErr) {
		return msg
	}
	if reqErr.Status != 0 {
		return fmt.Sprintf("%s (%d %s)", msg, reqErr.Status, http.StatusText(reqErr.Status))
	}
	return fmt.Sprintf("%s (%v)", msg, reqErr.Err)
}

func displayDir(dir string) string {
	return "/" + strings.Trim(dir, "/")
}

// formatListing renders a listing one entry per line plus a summary.
func formatListing(l *connector.Listing) []string {
	lines := make([]string, 0, len(l.Files)+1)
	for _, f := range l.Files {
		if f.Directory {
			lines = append(lines, fmt.Sprintf("  %s/", f.Name))
			continue
		}
		lines = append(lines, fmt.Sprintf("  %-40s %10d", f.Name, f.FileSize))
	}

	summary := fmt.Sprintf("%d entries", len(l.Files))
	if l.Total > 0 {
		block := l.BlockSize
		if block <= 0 {
			block = 1
		}
		summary += fmt.Sprintf(", %d of %d bytes free", l.Free*block, l.Total*block)
	}
	return append(lines, summary)
}
