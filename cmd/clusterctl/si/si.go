// Package si implements clusterctl's "si" subcommand: inspecting service
// instances and service units, and driving administrative SI assignment.
package si

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"clustercore/cmd/clusterctl/cmdutil"
	"clustercore/cmd/clusterctl/ui"
)

// Cmd returns the "si" command tree.
func Cmd() *cobra.Command {
	var host, context string

	cmd := &cobra.Command{
		Use:   "si",
		Short: "Inspect and administer service instances and units",
	}
	cmd.PersistentFlags().StringVar(&host, "host", "", "admin target host:port (overrides context)")
	cmd.PersistentFlags().StringVar(&context, "context", "", "named context to connect through")

	cmd.AddCommand(listCmd(&host, &context))
	cmd.AddCommand(unitsCmd(&host, &context))
	cmd.AddCommand(assignCmd(&host, &context))
	cmd.AddCommand(unassignCmd(&host, &context))
	return cmd
}

func listCmd(host, ctxName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List service instances",
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

			rows := make([][]string, 0, len(status.ServiceInstances))
			for _, si := range status.ServiceInstances {
				rows = append(rows, []string{
					si.Name,
					si.ServiceGroup,
					strconv.Itoa(si.ActiveAssigned),
					strconv.Itoa(si.StandbyAssigned),
					si.AssignmentState,
				})
			}
			fmt.Print(ui.Table([]string{"NAME", "SERVICE GROUP", "ACTIVE", "STANDBY", "STATE"}, rows))
			return nil
		},
	}
}

func unitsCmd(host, ctxName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "units",
		Short: "List service units",
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

			rows := make([][]string, 0, len(status.ServiceUnits))
			for _, su := range status.ServiceUnits {
				rows = append(rows, []string{
					su.Name, su.Node, su.PresenceState, su.OperState, su.AdminState, su.Readiness, su.Escalation,
				})
			}
			fmt.Print(ui.Table([]string{"NAME", "NODE", "PRESENCE", "OPER", "ADMIN", "READINESS", "ESCALATION"}, rows))
			return nil
		},
	}
}

func assignCmd(host, ctxName *string) *cobra.Command {
	var haState uint32

	cmd := &cobra.Command{
		Use:   "assign <si> <su>",
		Short: "Administratively assign a service instance to a service unit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cmdutil.Connect(cmd.Context(), *host, *ctxName)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.AssignSI(cmd.Context(), args[0], args[1], haState, 0); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("assigned %s to %s", args[0], args[1]))
			return nil
		},
	}
	cmd.Flags().Uint32Var(&haState, "ha-state", 1, "requested HA state (1=active, 2=standby)")
	return cmd
}

func unassignCmd(host, ctxName *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <su>",
		Short: "Remove every service instance assignment from a service unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cmdutil.Connect(cmd.Context(), *host, *ctxName)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.UnassignSU(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("unassigned %s", args[0]))
			return nil
		},
	}
}
