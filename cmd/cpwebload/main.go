// Package main is the entrypoint for the cpwebload CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/connector"
	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/connector/webapi"
	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/discovery"
	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/env"
	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/output"
	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/registry"
	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/script"
	"github.com/joshua-beck-0908/circuitpython-web-uploader/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// errRunFailed marks a session whose queue was aborted. The worker has
// already told the user why.
var errRunFailed = errors.New("run failed")

// config holds the global flags.
type config struct {
	url          string
	device       string
	configPath   string
	passwordFile string
	idFrom       string
	localDir     string
	timeout      time.Duration
	debug        bool
	noColor      bool

	// stdin is read for interactive passwords.
	stdin *os.File
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{stdin: os.Stdin}

	rootCmd := &cobra.Command{
		Use:   "cpwebload",
		Short: "Manage files on CircuitPython boards over the web workflow",
		Long: `cpwebload uploads, downloads, lists, moves and deletes files on a
CircuitPython board through its HTTP file API.

Devices are remembered in a registry (config.json next to the executable by
default) together with their URL and password, so a device can be selected
by id once it has been seen.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cmd.ErrOrStderr(), cfg.debug)
			loadEnv()
			cfg.applyEnv(cmd)
			if _, err := discovery.ParseStrategy(cfg.idFrom); err != nil {
				return err
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfg.url, "url", "u", connector.DefaultURL, "Base URL of the device")
	flags.StringVarP(&cfg.device, "device", "d", "", "Device id from the registry")
	flags.StringVar(&cfg.configPath, "config", defaultConfigPath(), "Path to the device registry")
	flags.StringVar(&cfg.passwordFile, "password-file", "", "Read the device password from a file instead of prompting")
	flags.StringVar(&cfg.idFrom, "id-from", "hostname", "Derive device ids from the hostname or the uid")
	flags.StringVarP(&cfg.localDir, "local-dir", "C", "", "Directory local file names are resolved against")
	flags.DurationVar(&cfg.timeout, "timeout", 0, "Per-request timeout (0 waits as long as the device needs)")
	flags.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&cfg.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(
		fileCmd(cfg, worker.Upload, "upload <file> [file ...]", "Upload files to the device"),
		fileCmd(cfg, worker.Download, "download <file> [file ...]", "Download files from the device"),
		fileCmd(cfg, worker.Delete, "delete <file> [file ...]", "Delete files on the device"),
		moveCmd(cfg),
		listCmd(cfg),
		listDevicesCmd(cfg),
		runCmd(cfg),
		validateCmd(),
	)
	return rootCmd
}

// loadEnv loads the nearest .env file. Logging must be set up first.
func loadEnv() {
	if err := env.Ensure(); err != nil {
		log.Warn().Err(err).Msg("load .env failed")
		return
	}
	if path := env.LoadedPath(); path != "" {
		log.Debug().Str("dotenv", path).Msg("loaded .env")
	}
}

// applyEnv fills flags the user did not set from CPWEBLOAD_* variables.
func (c *config) applyEnv(cmd *cobra.Command) {
	flags := cmd.Flags()
	if !flags.Changed("url") {
		c.url = env.Get(env.URL, c.url)
	}
	if !flags.Changed("device") {
		c.device = env.Get(env.Device, c.device)
	}
	if !flags.Changed("config") {
		c.configPath = env.Get(env.Config, c.configPath)
	}
}

// fileCmd builds a command that applies kind to each argument in order.
func fileCmd(cfg *config, kind worker.Kind, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := make([]worker.Command, 0, len(args))
			for _, name := range args {
				steps = append(steps, worker.NewCommand(kind, name))
			}
			return cfg.execute(cmd.Context(), cmd.OutOrStdout(), script.Session(steps...), false)
		},
	}
}

func moveCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "move <file> <new-name>",
		Short: "Rename a file on the device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.execute(cmd.Context(), cmd.OutOrStdout(), script.Session(worker.NewCommand(worker.Move, args[0], args[1])), false)
		},
	}
}

func listCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "list [dir]",
		Short: "List files on the device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.execute(cmd.Context(), cmd.OutOrStdout(), script.Session(worker.NewCommand(worker.List, args...)), false)
		},
	}
}

func listDevicesCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "Show the device and the peers it has discovered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cfg.execute(cmd.Context(), cmd.OutOrStdout(), script.Session(worker.NewCommand(worker.ListDevices)), false)
		},
	}
}

func runCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "run <script.yaml>",
		Short: "Run a script of commands in one session",
		Long: `Execute the steps of a script against one device in a single session.

Examples:
  cpwebload run deploy.yaml
  cpwebload run deploy.yaml -d abcd1234 --debug`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := script.ParseFile(args[0])
			if err != nil {
				return err
			}
			if s.URL != "" && !cmd.Flags().Changed("url") {
				cfg.url = s.URL
			}
			if s.Device != "" && !cmd.Flags().Changed("device") {
				cfg.device = s.Device
			}
			return cfg.execute(cmd.Context(), cmd.OutOrStdout(), s.Commands(), true)
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <script.yaml> [script2.yaml ...]",
		Short: "Validate one or more scripts",
		Long: `Parse and validate scripts without running them.

This checks for:
  - Valid YAML syntax
  - Known command names
  - Required arguments

Examples:
  cpwebload validate deploy.yaml
  cpwebload validate *.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var hasErrors bool

			for _, path := range args {
				if _, err := script.ParseFile(path); err != nil {
					fmt.Fprintf(out, "FAIL: %s - %v\n", path, err)
					hasErrors = true
				} else {
					fmt.Fprintf(out, "OK: %s\n", path)
				}
			}

			if hasErrors {
				return errors.New("one or more scripts failed validation")
			}

			fmt.Fprintf(out, "\nAll %d script(s) valid.\n", len(args))
			return nil
		},
	}
}

// execute runs cmds in one session, normally connect, the steps, disconnect
// and quit. The registry is saved afterwards whether or not the run failed.
func (c *config) execute(ctx context.Context, stdout io.Writer, cmds []worker.Command, recap bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()

	strategy, err := discovery.ParseStrategy(c.idFrom)
	if err != nil {
		return err
	}
	prompter, err := c.prompter()
	if err != nil {
		return err
	}
	reg, err := registry.Load(c.configPath)
	if err != nil {
		return err
	}

	out := output.New(stdout)
	out.SetColor(!c.noColor)
	out.SetDebug(c.debug)
	out.SetSpinner(isTerminal(stdout))
	out.Debug("registry %s: %d known device(s)", reg.Path(), len(reg.IDs()))

	var transportOpts []webapi.Option
	if c.timeout > 0 {
		transportOpts = append(transportOpts, webapi.WithHTTPClient(&http.Client{Timeout: c.timeout}))
	}

	w := worker.New(
		worker.Target{URL: c.url, DeviceID: c.device},
		reg,
		webapi.New(transportOpts...),
		worker.WithIDStrategy(strategy),
		worker.WithLocalDir(c.localDir),
		worker.WithQueueSize(len(cmds)),
	)
	for _, cmd := range cmds {
		if err := w.Enqueue(cmd); err != nil {
			return errors.Wrapf(err, "enqueue %s", cmd)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle interrupt signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			out.Warn("Interrupted, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
	}()

	go w.Run(ctx)

	followErr := out.Follow(ctx, w, prompter)
	if followErr != nil {
		cancel()
		for range w.Events() {
		}
	}
	<-w.Done()

	if wrote, err := reg.Save(); err != nil {
		out.Error("could not save registry: %v", err)
		if followErr == nil {
			followErr = err
		}
	} else if wrote {
		out.Debug("registry saved to %s", reg.Path())
	}

	if recap {
		out.Recap(time.Since(started))
	}

	if followErr != nil {
		return followErr
	}
	if w.Failed() {
		return errRunFailed
	}
	return nil
}

// prompter picks where the device password comes from: a file, the
// environment, or the terminal.
func (c *config) prompter() (output.Prompter, error) {
	if c.passwordFile != "" {
		return output.ReadPasswordFile(c.passwordFile)
	}
	if pw := env.Get(env.Password, ""); pw != "" {
		return output.Static(pw), nil
	}
	return output.NewTerminal(c.stdin), nil
}

// defaultConfigPath is config.json next to the executable.
func defaultConfigPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(filepath.Dir(exe), "config.json")
}

func setupLogging(w io.Writer, debug bool) {
	console := zerolog.ConsoleWriter{Out: w}
	log.Logger = zerolog.New(console).With().Timestamp().Logger()
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
