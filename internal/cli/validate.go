package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/stampede/internal/performance/config"
	"github.com/wesleyorama2/stampede/internal/performance/engine"
	"github.com/wesleyorama2/stampede/internal/performance/plan"
)

func newValidateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <script>",
		Short: "Check a script without sending any traffic",
		Long: `Compile a script for the selected variant and environment and report
every problem found. With --json the compiled execution plan is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.validate(cmd, args[0])
		},
	}

	cmd.Flags().String("type", "", "Test variant to check (default $TYPE_TEST, then smokeTest)")
	cmd.Flags().String("env", "", "Environment to check (default $ENV, then DEV)")
	cmd.Flags().Bool("json", false, "Print the compiled plan as JSON")
	return cmd
}

func (a *app) validate(cmd *cobra.Command, script string) error {
	cfg, err := config.LoadConfig(script)
	if err != nil {
		return configError(err)
	}
	resolved, p, err := plan.Prepare(cfg, a.v.GetString("type"), a.v.GetString("env"), plan.Overrides{})
	if err != nil {
		return configError(err)
	}
	// flows and fixtures are only checked when an engine is built from them
	if _, err := engine.Load(resolved, p, engine.WithLogger(a.logger)); err != nil {
		return configError(err)
	}

	out := cmd.OutOrStdout()
	if a.v.GetBool("json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}

	fmt.Fprintf(out, "✓ %s is valid\n\n", script)
	fmt.Fprintf(out, "  Name:          %s\n", p.Name)
	fmt.Fprintf(out, "  Test type:     %s\n", p.Tags["type_test"])
	fmt.Fprintf(out, "  Environment:   %s\n", p.Tags["env"])
	fmt.Fprintf(out, "  Duration:      %s\n", p.TotalDuration())
	fmt.Fprintf(out, "  Max VUs:       %d\n", p.MaxVUs)
	fmt.Fprintf(out, "  Thresholds:    %d\n", len(p.Thresholds))

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Scenarios:")
	for _, ec := range p.Executors {
		fmt.Fprintf(out, "    %s [%s]\n", ec.Name, ec.Type)
	}

	if len(p.Variables) > 0 {
		keys := make([]string, 0, len(p.Variables))
		for k := range p.Variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "  Variables:")
		for _, k := range keys {
			fmt.Fprintf(out, "    %s = %s\n", k, p.Variables[k])
		}
	}
	return nil
}
