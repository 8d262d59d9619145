// Package daemon is clusterctl's "daemon" subcommand: it manages the
// lifecycle of a local clustercored process — run it in the foreground,
// self-exec it into the background, stop it, or report its status.
package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"clustercore/cmd/clusterctl/cmdutil"
	"clustercore/cmd/clusterctl/ui"
	internaldaemon "clustercore/internal/daemon"
)

type options struct {
	socket    string
	dataRoot  string
	listen    string
	adminAddr string
	nodeName  string
	seedPath  string
	dockerHost string
}

// Cmd returns the "daemon" command tree.
func Cmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the local clustercored lifecycle",
	}

	cmd.PersistentFlags().StringVar(&opts.socket, "socket", cmdutil.DefaultSocketPath(), "clustercored unix socket path")
	cmd.PersistentFlags().StringVar(&opts.dataRoot, "data-root", cmdutil.DefaultDataRoot(), "daemon data root")

	cmd.AddCommand(runCmd(opts))
	cmd.AddCommand(startCmd(opts))
	cmd.AddCommand(stopCmd(opts))
	cmd.AddCommand(statusCmd(opts))
	return cmd
}

func runCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run clustercored in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg := internaldaemon.Config{
				NodeName:   opts.nodeName,
				SeedPath:   opts.seedPath,
				StateDir:   opts.dataRoot,
				ListenAddr: opts.listen,
				SocketPath: opts.socket,
				AdminAddr:  opts.adminAddr,
				DockerHost: opts.dockerHost,
			}
			if cfg.NodeName == "" {
				hostname, err := os.Hostname()
				if err != nil {
					return fmt.Errorf("resolve node name: %w", err)
				}
				cfg.NodeName = hostname
			}

			d, err := internaldaemon.Wire(ctx, cfg)
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", ":7700", "group-messaging TCP listen address")
	cmd.Flags().StringVar(&opts.adminAddr, "admin-addr", cmdutil.DefaultAdminAddr, "clusterctl grpc admin listen address")
	cmd.Flags().StringVar(&opts.nodeName, "node", "", "node name as it appears in the seed document (defaults to hostname)")
	cmd.Flags().StringVar(&opts.seedPath, "seed", "", "path to the cluster seed document")
	cmd.Flags().StringVar(&opts.dockerHost, "docker-host", "", "docker daemon address for container-backed components (empty disables)")
	return cmd
}

func startCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start clustercored in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := cmdutil.StartDaemon(cmd.Context(), opts.socket, opts.dataRoot)
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("started clustercored (pid %d)", pid))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("socket", opts.socket),
				ui.KV("pid file", cmdutil.DaemonPIDPath(opts.dataRoot)),
				ui.KV("log", cmdutil.DaemonLogPath(opts.dataRoot)),
			))
			return nil
		},
	}
}

func stopCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background clustercored",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmdutil.StopDaemon(cmd.Context(), opts.dataRoot); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("stopped clustercored"))
			return nil
		},
	}
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show clustercored status",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath := cmdutil.DaemonPIDPath(opts.dataRoot)
			pid, running := cmdutil.ReadRunningPID(pidPath)
			healthErr := cmdutil.HealthCheck(cmd.Context(), opts.socket)
			healthy := healthErr == nil

			pidText := "-"
			if running {
				pidText = strconv.Itoa(pid)
			}
			healthText := "down"
			if healthy {
				healthText = "ok"
			}

			fmt.Print(ui.KeyValues("",
				ui.KV("running", ui.Bool(running)),
				ui.KV("health", healthText),
				ui.KV("pid", pidText),
				ui.KV("socket", opts.socket),
				ui.KV("pid file", pidPath),
				ui.KV("log", cmdutil.DaemonLogPath(opts.dataRoot)),
			))
			if healthErr != nil {
				fmt.Println(ui.Muted("  health check: " + healthErr.Error()))
			}
			return nil
		},
	}
}
