// Package output renders worker events on a terminal.
package output

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/pkg/errors"

	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/worker"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Source is the caller side of a worker.
type Source interface {
	Events() <-chan worker.Event
	SupplyCredential(password string) error
}

// Output handles formatted output.
type Output struct {
	w          io.Writer
	useColor   bool
	debug      bool
	useSpinner bool

	mu sync.Mutex

	// open is set while a progress line is waiting for its result.
	open    bool
	stop    chan struct{}
	stopped chan struct{}

	ok     int
	failed int
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// SetSpinner enables the idle animation after progress messages. Only
// enable it when the writer is a terminal.
func (o *Output) SetSpinner(enabled bool) {
	o.useSpinner = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// Follow renders events from src until its channel is closed. Credential
// requests are answered through p. An error from p is returned immediately;
// the caller is expected to cancel the worker.
func (o *Output) Follow(ctx context.Context, src Source, p Prompter) error {
	defer o.stopSpinner()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-src.Events():
			if !ok {
				return nil
			}
			o.Event(ev)
			if ev.Kind != worker.CredentialRequested {
				continue
			}

			password, err := p.Password(ev.Message)
			o.endLine()
			if err != nil {
				return errors.Wrapf(err, "read password for %s", ev.DeviceID)
			}
			if err := src.SupplyCredential(password); err != nil {
				return errors.Wrap(err, "supply credential")
			}
		}
	}
}

// Event renders a single event.
func (o *Output) Event(ev worker.Event) {
	o.stopSpinner()

	switch ev.Kind {
	case worker.Progress:
		o.endLine()
		o.printf("%s ", ev.Message)
		o.open = true
		if ev.Waiting() && o.useSpinner {
			o.startSpinner()
		}
	case worker.Result:
		msg := ev.Message
		if ev.OK {
			o.ok++
			msg = o.color(colorGreen, msg)
		} else {
			o.failed++
			msg = o.color(colorRed, msg)
		}
		o.printf("%s\n", msg)
		o.open = false
	case worker.Log:
		o.endLine()
		o.printf("%s\n", ev.Message)
	case worker.CredentialRequested:
		o.endLine()
		o.printf("%s", o.color(colorBold, ev.Message))
		o.open = true
	}
}

// Recap prints the result counts and elapsed time.
func (o *Output) Recap(elapsed time.Duration) {
	o.stopSpinner()
	o.endLine()
	o.printf("\n%s ", o.color(colorBold, "RECAP"))

	ok := o.color(colorGreen, fmt.Sprintf("ok=%d", o.ok))
	failed := o.color(colorRed, fmt.Sprintf("failed=%d", o.failed))

	o.printf("%s %s", ok, failed)
	o.printf(" %s\n", o.color(colorGray, fmt.Sprintf("(%.2fs)", elapsed.Seconds())))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

// endLine terminates a pending progress line.
func (o *Output) endLine() {
	if o.open {
		o.printf("\n")
		o.open = false
	}
}

// startSpinner animates a single cell after the cursor until stopSpinner.
func (o *Output) startSpinner() {
	s := spinner.Line
	o.stop = make(chan struct{})
	o.stopped = make(chan struct{})
	stop, stopped := o.stop, o.stopped

	o.printf("%s", s.Frames[0])
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.FPS)
		defer ticker.Stop()

		frame := 0
		for {
			select {
			case <-stop:
				o.printf("\b \b")
				return
			case <-ticker.C:
				frame = (frame + 1) % len(s.Frames)
				o.printf("\b%s", s.Frames[frame])
			}
		}
	}()
}

func (o *Output) stopSpinner() {
	if o.stop == nil {
		return
	}
	close(o.stop)
	<-o.stopped
	o.stop, o.stopped = nil, nil
}

func (o *Output) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}
