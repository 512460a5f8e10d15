package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/playbooks/internal/playbook/catalog"
	"github.com/kingrea/playbooks/internal/recommend"
)

func recommendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recommend <playbook-id>",
		Short: "Ask the recommendation service which accounts need a playbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			customerID, _ := cmd.Flags().GetInt64("customer")
			if customerID <= 0 {
				return fmt.Errorf("--customer is required")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Recommendations.BaseURL == "" {
				return fmt.Errorf("recommendations.base_url is not configured")
			}
			logger, closer, err := openLogger(cfg, false)
			if err != nil {
				return err
			}
			defer closer.Close()
			cat, err := loadCatalog(cfg, logger)
			if err != nil {
				return err
			}
			def, err := cat.Lookup(args[0])
			if err != nil {
				return err
			}
			client, err := recommend.New(cfg.Recommendations.BaseURL, cfg.Recommendations.Timeout,
				recommend.WithTenantHeader(cfg.Server.TenantHeader),
				recommend.WithLogger(logger),
			)
			if err != nil {
				return err
			}
			recs, err := client.Recommend(cmd.Context(), customerID, def.ID, catalog.Triggers(def))
			if err != nil {
				return err
			}
			if needed, _ := cmd.Flags().GetBool("needed"); needed {
				kept := recs[:0]
				for _, rec := range recs {
					if rec.Needed {
						kept = append(kept, rec)
					}
				}
				recs = kept
			}
			sort.SliceStable(recs, func(i, j int) bool {
				return recs[i].UrgencyLevel.Rank() > recs[j].UrgencyLevel.Rank()
			})
			if asJSON(cmd) {
				if recs == nil {
					recs = []recommend.AccountRecommendation{}
				}
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			rows := make([][]string, 0, len(recs))
			for _, rec := range recs {
				rows = append(rows, []string{
					strconv.FormatInt(rec.AccountID, 10), rec.AccountName, strconv.FormatBool(rec.Needed),
					string(rec.UrgencyLevel), strings.Join(rec.Reasons, "; "),
				})
			}
			return printTable(cmd.OutOrStdout(), []string{"ACCOUNT", "NAME", "NEEDED", "URGENCY", "REASONS"}, rows)
		},
	}
	cmd.Flags().Int64("customer", 0, "Customer (tenant) id")
	cmd.Flags().Bool("needed", false, "Only accounts that need the playbook")
	cmd.Flags().Bool("json", false, "Output in JSON format")
	return cmd
}
