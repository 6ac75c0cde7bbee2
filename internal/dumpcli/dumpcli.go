// Package dumpcli implements the textual dump surface of the Resource
// Watchdog: start-perf/stop-perf, each writing its result to an open file
// descriptor and exiting with one of the three ExitCode values below.
package dumpcli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carplatform/vhalguard/internal/perfservice"
	"github.com/carplatform/vhalguard/internal/rpcerr"
)

// ExitCode mirrors the three outcomes a dump invocation can report.
type ExitCode int

const (
	ExitSuccess ExitCode = iota
	ExitFailedTransaction
	ExitBadValue
)

const (
	defaultInterval    = 10 * time.Second
	defaultMaxDuration = 30 * time.Minute
)

// NewRootCommand builds the dump command tree over svc, writing all
// output to out. Every invocation is tagged with a fresh request id
// (logged at debug, not printed to out) so a start-perf/stop-perf pair
// issued back to back can be correlated in the daemon's own logs.
func NewRootCommand(svc *perfservice.Service, out io.Writer, log *zap.Logger) *cobra.Command {
	if log == nil {
		log = zap.NewNop()
	}
	root := &cobra.Command{
		Use:           "dump",
		Short:         "performance collection dump controls",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newStartPerfCmd(svc, out, log), newStopPerfCmd(svc, out, log))
	return root
}

// Run parses args against the command tree built over svc and returns the
// exit code the caller should use for os.Exit. It never panics on bad
// input; argument errors are translated to ExitBadValue.
func Run(svc *perfservice.Service, out io.Writer, log *zap.Logger, args []string) ExitCode {
	root := NewRootCommand(svc, out, log)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	}

	if err := root.Execute(); err != nil {
		if ec, ok := err.(exitCoded); ok {
			return ec.code
		}
		fmt.Fprintf(out, "error: %v\n", err)
		return ExitBadValue
	}
	return ExitSuccess
}

// exitCoded lets a subcommand's RunE carry a specific exit code back to
// Run without abusing os.Exit inside library code.
type exitCoded struct {
	code ExitCode
	err  error
}

func (e exitCoded) Error() string { return e.err.Error() }

func newStartPerfCmd(svc *perfservice.Service, out io.Writer, log *zap.Logger) *cobra.Command {
	var intervalSec, maxDurationSec int
	var filterPackages string

	cmd := &cobra.Command{
		Use:   "start-perf",
		Short: "start a custom performance collection run",
		RunE: func(cmd *cobra.Command, args []string) error {
			reqLog := log.With(zap.String("request_id", uuid.New().String()))

			interval := defaultInterval
			if cmd.Flags().Changed("interval") {
				interval = time.Duration(intervalSec) * time.Second
			}
			maxDuration := defaultMaxDuration
			if cmd.Flags().Changed("max_duration") {
				maxDuration = time.Duration(maxDurationSec) * time.Second
			}

			var filter map[string]bool
			if filterPackages != "" {
				filter = make(map[string]bool)
				for _, pkg := range strings.Split(filterPackages, ",") {
					pkg = strings.TrimSpace(pkg)
					if pkg != "" {
						filter[pkg] = true
					}
				}
			}

			reqLog.Debug("start_perf requested", zap.Duration("interval", interval), zap.Duration("max_duration", maxDuration))

			if err := svc.StartCustomCollection(cmd.Context(), interval, maxDuration, filter); err != nil {
				if _, ok := err.(*rpcerr.Error); ok {
					reqLog.Debug("start_perf rejected", zap.Error(err))
					fmt.Fprintf(out, "start_perf rejected: %v\n", err)
					return exitCoded{code: ExitBadValue, err: err}
				}
				reqLog.Debug("start_perf failed", zap.Error(err))
				fmt.Fprintf(out, "start_perf failed: %v\n", err)
				return exitCoded{code: ExitFailedTransaction, err: err}
			}
			fmt.Fprintln(out, "perf collection started")
			return nil
		},
	}
	cmd.Flags().IntVar(&intervalSec, "interval", 10, "sample interval in seconds")
	cmd.Flags().IntVar(&maxDurationSec, "max_duration", 1800, "maximum run duration in seconds")
	cmd.Flags().StringVar(&filterPackages, "filter_packages", "", "comma-separated package list to restrict ranking to")
	return cmd
}

func newStopPerfCmd(svc *perfservice.Service, out io.Writer, log *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-perf",
		Short: "end the current custom collection run and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			reqLog := log.With(zap.String("request_id", uuid.New().String()))
			reqLog.Debug("stop_perf requested")

			report, err := svc.StopPerfCollection(cmd.Context())
			if err != nil {
				if _, ok := err.(*rpcerr.Error); ok {
					reqLog.Debug("stop_perf rejected", zap.Error(err))
					fmt.Fprintf(out, "stop_perf rejected: %v\n", err)
					return exitCoded{code: ExitBadValue, err: err}
				}
				reqLog.Debug("stop_perf failed", zap.Error(err))
				fmt.Fprintf(out, "stop_perf failed: %v\n", err)
				return exitCoded{code: ExitFailedTransaction, err: err}
			}
			if _, err := io.WriteString(out, report); err != nil {
				return exitCoded{code: ExitFailedTransaction, err: err}
			}
			return nil
		},
	}
}
