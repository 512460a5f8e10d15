package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/playbooks/internal/tui"
)

func boardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Watch a customer's executions in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			customerID, _ := cmd.Flags().GetInt64("customer")
			if customerID <= 0 {
				return fmt.Errorf("--customer is required")
			}
			refresh, _ := cmd.Flags().GetDuration("refresh")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), cfg, runtimeOptions{quiet: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			app, err := tui.NewApp(tui.ManagerSource(rt.manager, customerID), customerID,
				tui.WithLogbook(rt.audit),
				tui.WithRefreshInterval(refresh),
			)
			if err != nil {
				return err
			}
			_, err = tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
			return err
		},
	}
	cmd.Flags().Int64("customer", 0, "Customer (tenant) id to show")
	cmd.Flags().Duration("refresh", 3*time.Second, "Refresh period, 0 to refresh only on demand")
	return cmd
}
