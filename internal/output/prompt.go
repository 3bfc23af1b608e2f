package output

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

// Prompter supplies a password when the device asks for one. The prompt has
// already been printed when Password is called.
type Prompter interface {
	Password(prompt string) (string, error)
}

// Terminal reads the password from a file descriptor, normally stdin. Echo
// is disabled when it is a terminal; otherwise one line is read.
type Terminal struct {
	f      *os.File
	reader *bufio.Reader
}

// NewTerminal creates a prompter reading from f.
func NewTerminal(f *os.File) *Terminal {
	return &Terminal{f: f}
}

// Password implements Prompter.
func (t *Terminal) Password(prompt string) (string, error) {
	fd := int(t.f.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		if err != nil {
			return "", errors.Wrap(err, "reading password")
		}
		return string(b), nil
	}

	if t.reader == nil {
		t.reader = bufio.NewReader(t.f)
	}
	line, err := t.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", errors.Wrap(err, "no terminal available for interactive password prompt (use --password-file)")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Static answers every prompt with the same password.
type Static string

// Password implements Prompter.
func (s Static) Password(prompt string) (string, error) {
	return string(s), nil
}

// ReadPasswordFile reads a password from path. Trailing newlines are
// stripped.
func ReadPasswordFile(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", path)
	}
	return Static(strings.TrimRight(string(data), "\r\n")), nil
}

// Ensure prompters implement the Prompter interface.
var (
	_ Prompter = (*Terminal)(nil)
	_ Prompter = Static("")
)
