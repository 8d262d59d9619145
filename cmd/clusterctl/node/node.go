// Package node implements clusterctl's "node" subcommand: listing cluster
// nodes and administratively toggling their operational state.
package node

import (
	"fmt"

	"github.com/spf13/cobra"

	"clustercore/cmd/clusterctl/cmdutil"
	"clustercore/cmd/clusterctl/ui"
)

// Cmd returns the "node" command tree.
func Cmd() *cobra.Command {
	var host, context string

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect and administer cluster nodes",
	}
	cmd.PersistentFlags().StringVar(&host, "host", "", "admin target host:port (overrides context)")
	cmd.PersistentFlags().StringVar(&context, "context", "", "named context to connect through")

	cmd.AddCommand(listCmd(&host, &context))
	cmd.AddCommand(enableCmd(&host, &context))
	cmd.AddCommand(disableCmd(&host, &context))
	return cmd
}

func listCmd(host, ctxName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cluster nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cmdutil.Connect(cmd.Context(), *host, *ctxName)
			if err != nil {
				return err
			}
			defer c.Close()

			status, err := c.GetStatus(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(status.Nodes))
			for _, n := range status.Nodes {
				rows = append(rows, []string{n.Name, n.AdminState, n.OperState})
			}
			fmt.Print(ui.Table([]string{"NAME", "ADMIN", "OPER"}, rows))
			return nil
		},
	}
}

func enableCmd(host, ctxName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>",
		Short: "Set a node's operational state to enabled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cmdutil.Connect(cmd.Context(), *host, *ctxName)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.SetNodeOper(cmd.Context(), args[0], 1); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("enabled node %s", args[0]))
			return nil
		},
	}
}

func disableCmd(host, ctxName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Set a node's operational state to disabled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cmdutil.Connect(cmd.Context(), *host, *ctxName)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.SetNodeOper(cmd.Context(), args[0], 0); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("disabled node %s", args[0]))
			return nil
		},
	}
}
