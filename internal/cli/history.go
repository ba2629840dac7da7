package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past executions",
	}
	cmd.AddCommand(newHistoryListCmd(), newHistoryOutputCmd())
	return cmd
}

func newHistoryListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the last executions of the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			lf, err := loadLabfile()
			if err != nil {
				return err
			}
			rows, err := client.History(lf.Project.ProjectID, limit)
			if err != nil {
				return fmt.Errorf("fetch history: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EXECID\tWFID\tSTATUS\tNOTEBOOK\tWHEN")
			for _, row := range rows {
				status := "ok"
				if row.Status != 0 {
					status = "failed"
				}
				nb := "-"
				if row.Result != nil {
					nb = row.Result.NBName
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					row.ExecID, row.WFID, status, nb, row.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "last", 10, "Number of rows")
	return cmd
}

func newHistoryOutputCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "output <file>",
		Short: "Download a result notebook, e.g. outputs/daily.ipynb",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lf, err := loadLabfile()
			if err != nil {
				return err
			}
			rc, err := client.GetOutput(lf.Project.ProjectID, args[0])
			if err != nil {
				return fmt.Errorf("fetch output: %w", err)
			}
			defer rc.Close()

			var out io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", outPath, err)
				}
				defer f.Close()
				out = f
			}
			if _, err := io.Copy(out, rc); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write to file instead of stdout")
	return cmd
}
