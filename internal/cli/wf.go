package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nbworkflows/labflow/internal/labfile"
)

func newWFCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wf",
		Short: "Manage the project's workflows",
		Long:  "Push, run, list and remove the workflows declared in labfile.yaml.",
	}
	cmd.AddCommand(
		newWFPushCmd(),
		newWFRunCmd(),
		newWFListCmd(),
		newWFRemoveCmd(),
	)
	return cmd
}

func loadLabfile() (*labfile.Labfile, error) {
	lf, err := labfile.Load(flagLabfile)
	if err != nil {
		return nil, err
	}
	if lf.Project.ProjectID == "" {
		return nil, fmt.Errorf("%s has no project.projectid; run 'labflow init' first", flagLabfile)
	}
	return lf, nil
}

// newWFPushCmd registers every workflow in the labfile and writes the
// assigned wfids back into it.
func newWFPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Register the labfile's workflows with the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			lf, err := loadLabfile()
			if err != nil {
				return err
			}
			changed := false
			for _, alias := range lf.Workflows.Aliases() {
				wf, _ := lf.Workflows.Get(alias)
				wf.Alias = alias
				wfid, err := client.RegisterWorkflow(lf.Project.ProjectID, wf)
				if err != nil {
					return fmt.Errorf("push %s: %w", alias, err)
				}
				if wf.WFID != wfid {
					wf.WFID = wfid
					lf.Workflows.Set(alias, wf)
					changed = true
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pushed %s (%s)\n", alias, wfid)
			}
			if changed {
				if err := labfile.Save(flagLabfile, lf); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newWFRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <alias>",
		Short: "Fire a workflow now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lf, err := loadLabfile()
			if err != nil {
				return err
			}
			wf, ok := lf.Workflows.Get(args[0])
			if !ok || wf.WFID == "" {
				return fmt.Errorf("workflow %q is not pushed; run 'labflow wf push' first", args[0])
			}
			execID, err := client.RunWorkflow(lf.Project.ProjectID, wf.WFID)
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "execution %s\n", execID)
			return nil
		},
	}
}

func newWFListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the workflows registered on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			lf, err := loadLabfile()
			if err != nil {
				return err
			}
			workflows, err := client.ListWorkflows(lf.Project.ProjectID)
			if err != nil {
				return fmt.Errorf("list workflows: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ALIAS\tWFID\tNOTEBOOK\tSCHEDULE\tENABLED")
			for _, wf := range workflows {
				sched := "-"
				if wf.Schedule != nil {
					if wf.Schedule.Cron != "" {
						sched = "cron " + wf.Schedule.Cron
					} else {
						sched = "every " + wf.Schedule.Interval
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n",
					wf.Alias, wf.WFID, wf.Task.NBName, sched, wf.Enabled)
			}
			return tw.Flush()
		},
	}
}

func newWFRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <alias>",
		Short: "Unschedule and delete a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lf, err := loadLabfile()
			if err != nil {
				return err
			}
			wf, ok := lf.Workflows.Get(args[0])
			if !ok {
				return fmt.Errorf("workflow %q not in %s", args[0], flagLabfile)
			}
			if wf.WFID != "" {
				if err := client.DeleteWorkflow(lf.Project.ProjectID, wf.WFID); err != nil {
					return fmt.Errorf("delete %s: %w", args[0], err)
				}
			}
			lf.Workflows.Delete(args[0])
			if err := labfile.Save(flagLabfile, lf); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}
