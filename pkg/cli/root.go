package cli

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webportal/mailqueue/pkg/config"
	"github.com/webportal/mailqueue/pkg/system"
)

type runtimeState struct {
	configPath string
	debug      bool
	writer     io.Writer

	cfg    *config.Config
	logger *zap.Logger
}

type runtimeKey struct{}

// NewRootCommand builds the command tree. out receives command output; nil
// selects stdout.
func NewRootCommand(out io.Writer) *cobra.Command {
	rt := &runtimeState{writer: out}

	root := &cobra.Command{
		Use:           "mailqueue",
		Short:         "Asynchronous email delivery queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			if !rt.debug {
				rt.debug = getEnvBool("MAILQUEUE_DEBUG", false)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", "", "Path to the configuration file (default $MAILQUEUE_CONFIG_PATH or ./config.yaml)")
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "Enable debug level logging")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		NewServeCommand(),
		NewDispatchCommand(),
		NewMigrateCommand(),
		NewTriggerCommand(),
		NewStatusCommand(),
		NewVersionCommand(),
	)
	return root
}

// Execute runs the root command with the process arguments.
func Execute(ctx context.Context) error {
	root := NewRootCommand(os.Stdout)
	return root.ExecuteContext(context.WithValue(ctx, runtimeKey{}, runtimeFromRoot(root)))
}

func runtimeFromRoot(root *cobra.Command) *runtimeState {
	rt, _ := root.Context().Value(runtimeKey{}).(*runtimeState)
	return rt
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func (rt *runtimeState) Writer() io.Writer {
	if rt.writer != nil {
		return rt.writer
	}
	return os.Stdout
}

// Config loads the configuration once.
func (rt *runtimeState) Config() (config.Config, error) {
	if rt.cfg != nil {
		return *rt.cfg, nil
	}
	cfg, err := config.Load(rt.configPath)
	if err != nil {
		return config.Config{}, err
	}
	rt.cfg = &cfg
	return cfg, nil
}

// Logger builds the process logger once.
func (rt *runtimeState) Logger() (*zap.Logger, error) {
	if rt.logger != nil {
		return rt.logger, nil
	}
	l, err := system.NewLogger(rt.debug)
	if err != nil {
		return nil, err
	}
	rt.logger = l
	return l, nil
}
