package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/stampede/internal/performance/config"
	"github.com/wesleyorama2/stampede/internal/performance/engine"
	"github.com/wesleyorama2/stampede/internal/performance/output"
	"github.com/wesleyorama2/stampede/internal/performance/plan"
	"github.com/wesleyorama2/stampede/internal/storage"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Run a load test script",
		Long: `Run the scenarios of a script and report the results.

The variant and environment come from --type and --env, or from the
TYPE_TEST and ENV environment variables:

  TYPE_TEST=loadTest ENV=STAGING stampede run checkout.yaml

--vus, --duration and --iterations replace the script's scenarios with a
single one for quick runs:

  stampede run checkout.yaml --vus 5 --iterations 10

Exit status is 99 when a threshold fails and 107 when the script is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0])
		},
	}

	cmd.Flags().Int("vus", 0, "Number of virtual users")
	cmd.Flags().String("duration", "", "Test duration (e.g. 30s, 5m)")
	cmd.Flags().Int("iterations", 0, "Total iterations shared by all VUs")
	cmd.Flags().String("type", "", "Test variant to run (default $TYPE_TEST, then smokeTest)")
	cmd.Flags().String("env", "", "Environment to target (default $ENV, then DEV)")
	cmd.Flags().String("summary-export", "", "Write the JSON summary to this file")
	cmd.Flags().Bool("json", false, "Print the JSON summary instead of the table")
	cmd.Flags().BoolP("quiet", "q", false, "Disable live progress output")
	cmd.Flags().String("prometheus-addr", "", "Serve live Prometheus metrics on this address (e.g. :9464)")
	return cmd
}

func (a *app) run(cmd *cobra.Command, script string) error {
	v := a.v

	cfg, err := config.LoadConfig(script)
	if err != nil {
		return configError(err)
	}
	overrides := plan.Overrides{
		VUs:        v.GetInt("vus"),
		Duration:   v.GetString("duration"),
		Iterations: v.GetInt("iterations"),
	}
	resolved, p, err := plan.Prepare(cfg, v.GetString("type"), v.GetString("env"), overrides)
	if err != nil {
		return configError(err)
	}
	eng, err := engine.Load(resolved, p, engine.WithLogger(a.logger))
	if err != nil {
		return configError(err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jsonOut := v.GetBool("json")
	var consoleOut io.Writer = cmd.OutOrStdout()
	if jsonOut {
		consoleOut = cmd.ErrOrStderr()
	}
	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		TestName:      p.Name,
		ExecutorType:  executorLabel(p),
		TotalDuration: p.TotalDuration(),
		Writer:        consoleOut,
		Quiet:         v.GetBool("quiet"),
	})

	serverCtx, stopServer := context.WithCancel(context.Background())
	var servers errgroup.Group
	if addr := v.GetString("prometheus-addr"); addr != "" {
		reg := output.NewRegistry(output.NewCollector(eng.MetricsEngine, map[string]string{"run_id": eng.RunID()}))
		srv, err := output.NewMetricsServer(addr, reg, a.logger)
		if err != nil {
			stopServer()
			return &ExitError{Code: ExitFailure, Err: err}
		}
		servers.Go(func() error { return srv.Serve(serverCtx) })
	}

	console.PrintHeader()
	result, runErr := a.execute(ctx, eng, p, console)

	stopServer()
	if err := servers.Wait(); err != nil {
		a.logger.Warn("metrics server failed", zap.Error(err))
	}

	if result == nil {
		return &ExitError{Code: ExitFailure, Err: runErr}
	}

	if jsonOut {
		if err := output.WriteJSON(cmd.OutOrStdout(), result); err != nil {
			return &ExitError{Code: ExitFailure, Err: err}
		}
	} else {
		console.PrintSummary(result)
	}

	if path := v.GetString("summary-export"); path != "" {
		if err := output.ExportSummary(path, result); err != nil {
			a.logger.Warn("failed to export summary", zap.String("path", path), zap.Error(err))
		}
	}
	a.record(script, result)

	switch {
	case errors.Is(runErr, context.Canceled):
		return &ExitError{Code: ExitFailure, Err: errors.New("test run interrupted")}
	case runErr != nil:
		return &ExitError{Code: ExitFailure, Err: runErr}
	case !result.Passed:
		return &ExitError{Code: ExitThresholdsFailed, Err: thresholdsError(result)}
	}
	return nil
}

// execute runs eng while refreshing the live progress display every second.
func (a *app) execute(ctx context.Context, eng *engine.Engine, p *plan.ExecutionPlan, console *output.ConsoleOutput) (*engine.TestResult, error) {
	var (
		result *engine.TestResult
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = eng.Run(ctx)
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return result, runErr
		case <-ticker.C:
			if !eng.IsRunning() {
				continue
			}
			stats := output.StatsFromSnapshot(eng.GetMetrics(), eng.GetProgress(), p.TotalDuration(), p.MaxVUs, eng.GetScenarioStats())
			if console.IsTTY() {
				console.Update(stats)
			} else {
				console.PrintNonInteractiveUpdate(stats)
			}
		}
	}
}

// record saves result to the history database, if one is configured.
// History is best effort and never fails the run.
func (a *app) record(script string, result *engine.TestResult) {
	path := a.v.GetString("history")
	if path == "" {
		return
	}
	store, err := storage.Open(path)
	if err != nil {
		a.logger.Warn("failed to open run history", zap.String("path", path), zap.Error(err))
		return
	}
	defer store.Close()

	if err := store.Save(storage.NewHistoryItem(script, result)); err != nil {
		a.logger.Warn("failed to record run", zap.String("run_id", result.RunID), zap.Error(err))
		return
	}
	a.logger.Debug("recorded run", zap.String("run_id", result.RunID), zap.String("path", path))
}

func executorLabel(p *plan.ExecutionPlan) string {
	if len(p.Executors) == 1 {
		return string(p.Executors[0].Type)
	}
	return fmt.Sprintf("%d scenarios", len(p.Executors))
}

func thresholdsError(result *engine.TestResult) error {
	failed := result.FailedThresholds()
	if len(failed) == 0 {
		if result.Aborted {
			return fmt.Errorf("test aborted: %s", result.AbortReason)
		}
		return errors.New("test failed")
	}

	seen := make(map[string]bool)
	var names []string
	for _, t := range failed {
		if !seen[t.Metric] {
			seen[t.Metric] = true
			names = append(names, "'"+t.Metric+"'")
		}
	}
	return fmt.Errorf("thresholds on metrics %s have been crossed", strings.Join(names, ", "))
}
