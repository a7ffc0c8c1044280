// Package perf embeds stampede in Go programs.
//
// A Runner loads the same YAML or JSON scripts as the stampede command and
// runs them on the full engine. Flows the script declares can be replaced,
// or completed, by flows written in Go:
//
//	placeOrder := &perf.Flow{Name: "orders", Steps: []perf.Step{{
//	    Name: "placeOrder",
//	    Requires: []string{"token"},
//	    Run: func(ctx context.Context, it *perf.Iteration) error {
//	        token, _ := it.Lookup("token")
//	        req := perf.NewRequest(http.MethodPost, "/orders").
//	            WithHeader("Authorization", fmt.Sprint("Bearer ", token))
//	        if _, err := it.Do(ctx, req); err != nil {
//	            return err
//	        }
//	        return it.Emit("orders_placed", 1, nil)
//	    },
//	}}}
//
//	runner, err := perf.Load("checkout.yaml",
//	    perf.WithVariant("loadTest"),
//	    perf.WithEnvironment("STAGING"),
//	    perf.WithMetric(perf.MetricDefinition{Name: "orders_placed", Type: perf.Counter}),
//	    perf.WithFlow(placeOrder))
//	if err != nil {
//	    return err
//	}
//	result, err := runner.Run(ctx)
//
// Thresholds on custom metrics are checked like those on built-in ones;
// result.Passed is false when any failed.
package perf
