package main

import (
	"context"
	"fmt"
	"os"

	contextcmd "clustercore/cmd/clusterctl/context"
	clusterctldaemon "clustercore/cmd/clusterctl/daemon"
	"clustercore/cmd/clusterctl/node"
	"clustercore/cmd/clusterctl/si"
	"clustercore/cmd/clusterctl/ui"
	"clustercore/internal/logging"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	var debug, noInteraction bool
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "clusterctl",
		Short:         "Administer a clustercore cluster",
		Version:       "dev",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level); err != nil {
				return err
			}
			ui.ConfigureInteraction(noInteraction)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&noInteraction, "no-interaction", false, "disable interactive prompts and progress UI")

	root.AddCommand(contextcmd.Cmd())
	root.AddCommand(node.Cmd())
	root.AddCommand(si.Cmd())

	daemonCmd := clusterctldaemon.Cmd()
	root.AddCommand(daemonCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}
