package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/defi-custody/internal/config"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/logging"
	"github.com/ggonzalez94/defi-custody/internal/model"
	"github.com/ggonzalez94/defi-custody/internal/out"
	"github.com/ggonzalez94/defi-custody/internal/policy"
	"github.com/ggonzalez94/defi-custody/internal/schema"
	"github.com/ggonzalez94/defi-custody/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		stdin:  os.Stdin,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner      *Runner
	flags       config.GlobalFlags
	settings    config.Settings
	loaded      bool
	root        *cobra.Command
	lastCommand string
	deps        *dependencies
}

func (r *Runner) Run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state := &runtimeState{runner: r, deps: &dependencies{}}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SetIn(r.stdin)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.ExecuteContext(ctx)
	state.deps.close()
	err = normalizeRunError(err)
	if err == nil {
		return 0
	}
	state.renderError(err)
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Custodial EVM trade execution and signing",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				if _, ok := clierr.As(err); ok {
					return err
				}
				return clierr.Wrap(clierr.CodeConfigInvalid, "load configuration", err)
			}
			s.settings = settings
			s.loaded = true
			if err := logging.Setup(settings.LogLevel, settings.LogFormat, s.runner.stderr); err != nil {
				return clierr.Wrap(clierr.CodeConfigInvalid, "configure logging", err)
			}

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}
			if policy.RequiresSigner(path) {
				return settings.Validate()
			}
			if strings.HasPrefix(path, "trades") {
				return settings.ValidateStore()
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeBadRequest, "parse flags", err)
	})

	pf := cmd.PersistentFlags()
	pf.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	pf.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	pf.StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted for nested)")
	pf.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	pf.StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	pf.StringVar(&s.flags.Timeout, "timeout", "", "RPC and webhook request timeout")
	pf.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	pf.StringVar(&s.flags.EnvFile, "env-file", "", "Path to .env file (default ./.env when present)")
	pf.StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error, disabled)")
	pf.StringVar(&s.flags.LogFormat, "log-format", "", "Log format (json or console)")
	pf.StringVar(&s.flags.RPCURL, "rpc-url", "", "JSON-RPC endpoint override")
	pf.BoolVar(&s.flags.DryRun, "dry-run", false, "Sign but never broadcast")

	cmd.AddCommand(s.newServeCommand())
	cmd.AddCommand(s.newTradesCommand())
	cmd.AddCommand(s.newExecuteCommand())
	cmd.AddCommand(s.newPollCommand())
	cmd.AddCommand(s.newReconcileCommand())
	cmd.AddCommand(s.newWrapCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeBadRequest, "build schema", err)
			}
			return s.emitSuccess(data)
		},
	}
}

func (s *runtimeState) meta() model.EnvelopeMeta {
	command := s.lastCommand
	if command == "" {
		command = version.CLIName
	}
	meta := model.EnvelopeMeta{
		RequestID: newRequestID(),
		Timestamp: s.runner.now().UTC(),
		Command:   command,
	}
	if s.loaded {
		meta.ChainID = s.settings.ChainID
		meta.Signer = s.settings.SignerMode
		meta.DryRun = s.settings.DryRun
	}
	return meta
}

func (s *runtimeState) emitSuccess(data any) error {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data:    data,
		Meta:    s.meta(),
	}
	return out.Render(s.runner.stdout, env, out.OptionsFrom(s.settings))
}

// renderError ignores --select and --results-only so failures always carry
// the full envelope.
func (s *runtimeState) renderError(err error) {
	message := err.Error()
	if typed, ok := clierr.As(err); ok {
		message = typed.Error()
	}
	opts := out.OptionsFrom(s.settings)
	opts.ResultsOnly = false
	opts.Select = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Error: &model.ErrorBody{
			Code:    clierr.ExitCode(err),
			Type:    string(clierr.CodeOf(err)),
			Message: message,
		},
		Meta: s.meta(),
	}
	_ = out.Render(s.runner.stderr, env, opts)
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeBadRequest, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeUnexpected, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
