package worker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Kind names an operation the worker knows how to run.
type Kind string

// Command kinds.
const (
	Connect     Kind = "connect"
	Disconnect  Kind = "disconnect"
	Upload      Kind = "upload"
	Download    Kind = "download"
	Delete      Kind = "delete"
	Move        Kind = "move"
	List        Kind = "list"
	ListDevices Kind = "list-devices"
	Quit        Kind = "quit"
)

// Command is one queued operation. Args are positional: the file name, and
// for Move the destination.
type Command struct {
	Kind Kind
	Args []string
}

// NewCommand builds a command.
func NewCommand(kind Kind, args ...string) Command {
	return Command{Kind: kind, Args: args}
}

// Arg returns the i-th argument or "".
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// String returns a human-readable description of the command.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return string(c.Kind)
	}
	return fmt.Sprintf("%s %s", c.Kind, strings.Join(c.Args, " "))
}

// rule describes how a kind is validated.
type rule struct {
	// args is the number of required arguments.
	args int

	// offline kinds may run while not connected.
	offline bool
}

var rules = map[Kind]rule{
	Connect:     {offline: true},
	Disconnect:  {offline: true},
	Quit:        {offline: true},
	Upload:      {args: 1},
	Download:    {args: 1},
	Delete:      {args: 1},
	Move:        {args: 2},
	List:        {},
	ListDevices: {},
}

// Kinds returns every known command kind in sorted order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(rules))
	for k := range rules {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Lookup reports whether kind is known.
func Lookup(kind string) (Kind, bool) {
	k := Kind(kind)
	_, ok := rules[k]
	return k, ok
}

// Validate checks the command has a known kind and its required arguments.
func (c Command) Validate() error {
	r, ok := rules[c.Kind]
	if !ok {
		return errors.Wrapf(ErrUnknownCommand, "%s", c.Kind)
	}
	for i := 0; i < r.args; i++ {
		if strings.TrimSpace(c.Arg(i)) == "" {
			return errors.Errorf("%s requires %d argument(s)", c.Kind, r.args)
		}
	}
	return nil
}

// RequiresConnection reports whether the command may only run while
// connected.
func (c Command) RequiresConnection() bool {
	r, ok := rules[c.Kind]
	return ok && !r.offline
}
