package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marian925/crucible/internal/backend"
	"github.com/marian925/crucible/internal/output"
)

// displayedError wraps an error that has already been printed to the user.
// Execute() checks for this to avoid double-printing.
type displayedError struct {
	err error
}

func (e *displayedError) Error() string { return e.err.Error() }
func (e *displayedError) Unwrap() error { return e.err }

// displayed wraps an error to mark it as already shown to the user.
func displayed(err error) error {
	if err == nil {
		return nil
	}
	return &displayedError{err: err}
}

// flags holds per-invocation flag state (no package globals).
type flags struct {
	json    bool
	quiet   bool
	verbose bool
}

func (f *flags) outputMode() output.Mode {
	if f.json {
		return output.ModeJSON
	}
	if f.quiet {
		return output.ModeQuiet
	}
	return output.ModeText
}

// exitCodeError carries a run's exit status through cobra.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return ""
}

// Execute runs the CLI with the given version and args. Returns exit code.
func Execute(version string, args []string) int {
	root := newRootCmd(version)
	root.SetArgs(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		// Suite failures carry their exit status directly.
		var ece *exitCodeError
		if errors.As(err, &ece) {
			return ece.code
		}

		// If the error was already displayed inline, don't print again.
		var de *displayedError
		if !errors.As(err, &de) {
			// Safety net: always print something so users never see silent failures.
			w := output.New(output.ModeText)
			if ce := backend.ClassifyLaunchError(err); ce != nil {
				w.Error(ce.Message, ce.Fix)
			} else {
				w.Error(err.Error(), "")
			}
		}
		return 1
	}
	return 0
}

func newRootCmd(version string) *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "crucible <command>",
		Short: "Scenario testing on disposable machines",
		Long: `crucible runs Gherkin scenarios against fresh Linux environments.
Every scenario gets its own container or VM, exercised and destroyed.`,
		Example: `  crucible run                        # run everything under features/
  crucible run features/attach.feature  # run one feature file
  crucible run -t @token              # only credentialed scenarios
  crucible list                       # show the plan without provisioning
  crucible check                      # verify backend prerequisites`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			output.SetupSlog(f.verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().BoolVarP(&f.json, "json", "j", false, "output in JSON format")
	root.PersistentFlags().BoolVarP(&f.quiet, "quiet", "q", false, "suppress progress, show only problems")
	root.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newRunCmd(f),
		newListCmd(f),
		newCheckCmd(f),
	)

	root.SetHelpFunc(renderHelp)

	return root
}
