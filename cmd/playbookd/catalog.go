package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/playbook/catalog"
)

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "catalog",
		Aliases: []string{"playbooks"},
		Short:   "Browse and validate playbook definitions",
	}
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.AddCommand(catalogListCmd(), catalogShowCmd(), catalogTriggersCmd(), catalogPromptCmd(), catalogValidateCmd())
	return cmd
}

func openCatalog(cmd *cobra.Command) (*catalog.Catalog, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, closer, err := openLogger(cfg, false)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return loadCatalog(cfg, logger)
}

func catalogListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List playbooks, optionally by category or tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog(cmd)
			if err != nil {
				return err
			}
			category, _ := cmd.Flags().GetString("category")
			tag, _ := cmd.Flags().GetString("tag")
			defs := cat.All()
			if category != "" {
				if !playbook.Category(category).Valid() {
					return fmt.Errorf("unknown category %q", category)
				}
				defs = cat.ByCategory(playbook.Category(category))
			}
			if tag != "" {
				kept := defs[:0:0]
				for _, def := range defs {
					if def.HasTag(tag) {
						kept = append(kept, def)
					}
				}
				defs = kept
			}
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), defs)
			}
			rows := make([][]string, 0, len(defs))
			for _, def := range defs {
				rows = append(rows, []string{
					def.ID, def.Name, string(def.Category),
					strconv.Itoa(len(def.Steps)), strconv.Itoa(def.EstimatedDuration), strings.Join(def.Tags, ","),
				})
			}
			return printTable(cmd.OutOrStdout(), []string{"ID", "NAME", "CATEGORY", "STEPS", "MINUTES", "TAGS"}, rows)
		},
	}
	cmd.Flags().String("category", "", "Only playbooks in this category")
	cmd.Flags().String("tag", "", "Only playbooks carrying this tag")
	return cmd
}

func catalogShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <playbook-id>",
		Short: "Print a playbook definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog(cmd)
			if err != nil {
				return err
			}
			def, err := cat.Lookup(args[0])
			if err != nil {
				return err
			}
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), def)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(def); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func catalogTriggersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "triggers <playbook-id>",
		Short: "Print the trigger thresholds a playbook hands to the recommendation service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog(cmd)
			if err != nil {
				return err
			}
			def, err := cat.Lookup(args[0])
			if err != nil {
				return err
			}
			triggers := catalog.Triggers(def)
			if asJSON(cmd) {
				if triggers == nil {
					triggers = []playbook.TriggerThreshold{}
				}
				return writeJSON(cmd.OutOrStdout(), triggers)
			}
			rows := make([][]string, 0, len(triggers))
			for _, t := range triggers {
				rows = append(rows, []string{t.Metric, string(t.Operator), strconv.FormatFloat(t.Value, 'g', -1, 64), t.Window, t.Description})
			}
			return printTable(cmd.OutOrStdout(), []string{"METRIC", "OPERATOR", "VALUE", "WINDOW", "DESCRIPTION"}, rows)
		},
	}
}

func catalogPromptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt <playbook-id> <step-id>",
		Short: "Render a step's prompt template with the given variables",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := openCatalog(cmd)
			if err != nil {
				return err
			}
			def, err := cat.Lookup(args[0])
			if err != nil {
				return err
			}
			step, ok := def.Step(args[1])
			if !ok {
				return playbook.NotFound("catalog", "step %s in playbook %s", args[1], def.ID)
			}
			if step.Data.Prompt == nil {
				return playbook.Validation("catalog", "step %s has no prompt", step.ID)
			}
			values, _ := cmd.Flags().GetStringToString("var")
			var unset []string
			for _, name := range step.Data.Prompt.Variables {
				if _, ok := values[name]; !ok {
					unset = append(unset, name)
				}
			}
			rendered := step.Data.Prompt.Render(values)
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"playbookId": def.ID,
					"stepId":     step.ID,
					"output":     step.Data.Prompt.Output,
					"prompt":     rendered,
					"unset":      unset,
				})
			}
			if len(unset) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "unset variables: %s\n", strings.Join(unset, ", "))
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}
	cmd.Flags().StringToString("var", nil, "Template variable as name=value (repeatable)")
	return cmd
}

func catalogValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file...]",
		Short: "Validate definition files, or the configured catalog when none are given",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				cat, err := openCatalog(cmd)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "ok: %d playbooks\n", cat.Len())
				return nil
			}
			var failed int
			for _, path := range args {
				def, err := catalog.LoadDefinitionFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s (%s, %d steps)\n", path, def.ID, len(def.Steps))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
}

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

var tableHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

func printTable(w io.Writer, headers []string, rows [][]string) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderColumn(false).
		BorderLeft(false).
		BorderRight(false).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...)
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
