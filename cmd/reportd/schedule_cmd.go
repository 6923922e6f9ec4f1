package main

import (
	"time"

	"github.com/agentuity/go-reportcache/schedule"
	"github.com/agentuity/go-reportcache/tui"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled reports",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the schedules of an owner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ownerFlag, _ := cmd.Flags().GetString("owner")
		owner, err := parseOwner(ownerFlag)
		if err != nil {
			return err
		}
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		defs, err := a.service.List(cmd.Context(), owner)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(defs))
		for _, def := range defs {
			status := string(def.Status)
			if def.Status == schedule.StatusError {
				status = tui.Warning(status + ": " + def.LastError)
			}
			last := tui.Muted("never")
			if !def.LastRunAt.IsZero() {
				last = humanize.Time(def.LastRunAt)
			}
			rows = append(rows, []string{
				def.ID,
				def.Name,
				string(def.Job.Request.Kind),
				def.Rule.String(),
				def.NextRunAt.Local().Format(time.DateTime),
				last,
				status,
			})
		}
		tui.Table(cmd.OutOrStdout(), []string{"ID", "NAME", "KIND", "RULE", "NEXT RUN", "LAST RUN", "STATUS"}, rows)
		return nil
	},
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a schedule",
	Example: `  reportd schedule create --owner alice --name weekly-books --kind BOOK_LIST --rule "weekly 1 08:30"
  reportd schedule create --owner system --name nightly --kind SYSTEM --rule "cron 0 2 * * *" --output email=ops@example.com`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ownerFlag, _ := cmd.Flags().GetString("owner")
		owner, err := parseOwner(ownerFlag)
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		ruleFlag, _ := cmd.Flags().GetString("rule")
		output, _ := cmd.Flags().GetStringToString("output")
		rule, err := schedule.ParseRule(ruleFlag)
		if err != nil {
			return err
		}
		req, err := requestFromFlags(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		def, err := a.service.Create(cmd.Context(), owner, schedule.CreateRequest{
			Name: name,
			Job:  schedule.Job{Request: req, Output: output},
			Rule: rule,
		})
		if err != nil {
			return err
		}
		tui.ShowSuccess(cmd.OutOrStdout(), "created %s, first run %s", def.ID, def.NextRunAt.Local().Format(time.DateTime))
		return nil
	},
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ownerFlag, _ := cmd.Flags().GetString("owner")
		owner, err := parseOwner(ownerFlag)
		if err != nil {
			return err
		}
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.service.Delete(cmd.Context(), owner, args[0]); err != nil {
			return err
		}
		tui.ShowSuccess(cmd.OutOrStdout(), "deleted %s", args[0])
		return nil
	},
}

func statusCommand(use, short string, status schedule.Status) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerFlag, _ := cmd.Flags().GetString("owner")
			owner, err := parseOwner(ownerFlag)
			if err != nil {
				return err
			}
			a, err := newApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()
			def, err := a.service.Update(cmd.Context(), owner, args[0], schedule.UpdateRequest{Status: &status})
			if err != nil {
				return err
			}
			tui.ShowSuccess(cmd.OutOrStdout(), "%s is %s, next run %s", def.ID, def.Status, def.NextRunAt.Local().Format(time.DateTime))
			return nil
		},
	}
	cmd.Flags().String("owner", "", "owner: system, user:<id> or a user id")
	return cmd
}

func init() {
	for _, c := range []*cobra.Command{scheduleListCmd, scheduleCreateCmd, scheduleDeleteCmd} {
		c.Flags().String("owner", "", "owner: system, user:<id> or a user id")
	}
	scheduleCreateCmd.Flags().String("name", "", "schedule name, unique per owner")
	scheduleCreateCmd.Flags().String("rule", "", `recurrence: "daily HH:MM", "weekly D HH:MM", "monthly DD HH:MM" or "cron EXPR"`)
	scheduleCreateCmd.Flags().StringToString("output", nil, "delivery settings, key=value")
	addRequestFlags(scheduleCreateCmd)

	scheduleCmd.AddCommand(scheduleListCmd, scheduleCreateCmd, scheduleDeleteCmd,
		statusCommand("pause", "Disable a schedule", schedule.StatusDisabled),
		statusCommand("resume", "Re-activate a disabled or failing schedule", schedule.StatusActive))
	rootCmd.AddCommand(scheduleCmd)
}
