// Package script defines the structure and parsing of command scripts: a
// YAML list of steps run against one device in a single session.
package script

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/worker"
)

// Script is a parsed command script.
type Script struct {
	// Path is the file path the script was loaded from.
	Path string

	// Device is the registry id to connect to. Flags override it.
	Device string

	// URL is the base URL to connect to. Flags override it.
	URL string

	// Steps are the commands to run, in order.
	Steps []worker.Command
}

// implicit kinds are added around the steps by Commands.
var implicit = map[worker.Kind]bool{
	worker.Connect:    true,
	worker.Disconnect: true,
	worker.Quit:       true,
}

// ParseFile parses a script from a YAML file.
func ParseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", path, err)
	}

	s.Path = path
	return s, nil
}

// Parse parses a script from YAML data.
func Parse(data []byte) (*Script, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid script format: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("script is empty")
	}

	s := &Script{}
	for key, value := range raw {
		switch key {
		case "device":
			v, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("device must be a string")
			}
			s.Device = v
		case "url":
			v, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("url must be a string")
			}
			s.URL = v
		case "steps":
		default:
			return nil, fmt.Errorf("unknown field %q", key)
		}
	}

	steps, ok := raw["steps"].([]any)
	if !ok || len(steps) == 0 {
		return nil, fmt.Errorf("script has no steps")
	}

	for i, rawStep := range steps {
		cmd, err := parseStep(rawStep)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		s.Steps = append(s.Steps, cmd)
	}

	return s, nil
}

// parseStep parses a bare kind or a one-key map.
func parseStep(raw any) (worker.Command, error) {
	switch step := raw.(type) {
	case string:
		return newCommand(step, nil)
	case map[string]any:
		if len(step) != 1 {
			keys := make([]string, 0, len(step))
			for k := range step {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return worker.Command{}, fmt.Errorf("a step names exactly one command, got %s", strings.Join(keys, ", "))
		}
		for key, value := range step {
			args, err := parseArgs(key, value)
			if err != nil {
				return worker.Command{}, fmt.Errorf("%s: %w", key, err)
			}
			return newCommand(key, args)
		}
	}
	return worker.Command{}, fmt.Errorf("invalid step format")
}

// parseArgs accepts a scalar, a list of scalars, or for move a
// {from, to} map.
func parseArgs(kind string, value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		args := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("arguments must be strings")
			}
			args = append(args, s)
		}
		return args, nil
	case map[string]any:
		if kind != string(worker.Move) {
			return nil, fmt.Errorf("only move takes named arguments")
		}
		from, _ := v["from"].(string)
		to, _ := v["to"].(string)
		for k := range v {
			if k != "from" && k != "to" {
				return nil, fmt.Errorf("unknown argument %q", k)
			}
		}
		return []string{from, to}, nil
	default:
		return []string{fmt.Sprint(v)}, nil
	}
}

func newCommand(name string, args []string) (worker.Command, error) {
	kind, ok := worker.Lookup(name)
	if !ok {
		return worker.Command{}, fmt.Errorf("unknown command '%s' (available: %s)", name, available())
	}
	if implicit[kind] {
		return worker.Command{}, fmt.Errorf("%s is added automatically and cannot be a step", kind)
	}

	cmd := worker.NewCommand(kind, args...)
	if err := cmd.Validate(); err != nil {
		return worker.Command{}, err
	}
	return cmd, nil
}

func available() string {
	var names []string
	for _, k := range worker.Kinds() {
		if !implicit[k] {
			names = append(names, string(k))
		}
	}
	return strings.Join(names, ", ")
}

// Commands returns the full session: connect, the steps, disconnect, quit.
func (s *Script) Commands() []worker.Command {
	return Session(s.Steps...)
}

// Session wraps steps in connect, disconnect and quit.
func Session(steps ...worker.Command) []worker.Command {
	cmds := make([]worker.Command, 0, len(steps)+3)
	cmds = append(cmds, worker.NewCommand(worker.Connect))
	cmds = append(cmds, steps...)
	return append(cmds, worker.NewCommand(worker.Disconnect), worker.NewCommand(worker.Quit))
}
