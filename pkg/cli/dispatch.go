package cli

import (
	"github.com/spf13/cobra"

	"github.com/webportal/mailqueue/pkg/metrics"
)

// NewDispatchCommand runs exactly one cycle in process, for cron style
// deployments without the long running server.
func NewDispatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch cycle against the configured store and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			cfg, err := rt.Config()
			if err != nil {
				return err
			}
			zl, err := rt.Logger()
			if err != nil {
				return err
			}
			defer func() { _ = zl.Sync() }()

			a, err := newApp(cmd.Context(), cfg, zl, appOptions{withCache: true})
			if err != nil {
				return err
			}
			defer a.Close()

			metrics.DispatchTriggers.WithLabelValues("cli").Inc()
			summary, err := a.dispatcher.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(rt.Writer(), summary)
		},
	}
}
