package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/logging"
	"github.com/wesleyorama2/stampede/internal/storage"
)

var version = "0.1.0"

// app is the state shared by the commands of one invocation.
type app struct {
	v      *viper.Viper
	logger *zap.Logger
}

// NewRootCmd builds the stampede command tree.
//
// Every flag can also be set through a STAMPEDE_ environment variable
// (--log-level is STAMPEDE_LOG_LEVEL). TYPE_TEST and ENV select the variant
// and environment of a script when --type and --env are not given.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New(), logger: zap.NewNop()}
	a.v.SetEnvPrefix("STAMPEDE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	_ = a.v.BindEnv("type", "STAMPEDE_TYPE", "TYPE_TEST")
	_ = a.v.BindEnv("env", "STAMPEDE_ENV", "ENV")

	root := &cobra.Command{
		Use:     "stampede",
		Short:   "Scriptable load testing for HTTP services",
		Version: version,
		Long: `Stampede runs load tests described by YAML or JSON scripts.

A script declares business flows (chains of HTTP requests sharing extracted
values), the scenarios that drive them, and the thresholds the run must meet.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// only the command being run binds, so flags with the same name
			// on different commands do not shadow each other
			if err := a.v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			logger, err := logging.NewWithWriter(cmd.ErrOrStderr(), a.v.GetString("log-level"), a.v.GetString("log-format"))
			if err != nil {
				return configError(err)
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}

	root.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", logging.FormatConsole, "Log format: console or json")
	root.PersistentFlags().String("history", storage.DefaultPath(), "Run history database (empty disables history)")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newValidateCmd(a))
	root.AddCommand(newHistoryCmd(a))
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return ExecuteContext(context.Background(), os.Args[1:])
}

// ExecuteContext runs the command line with args.
func ExecuteContext(ctx context.Context, args []string) int {
	root := NewRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	}
	return ExitCode(err)
}
