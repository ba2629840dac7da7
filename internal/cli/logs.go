package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nbworkflows/labflow/pkg/model"
)

// newLogsCmd tails an execution's event stream until it closes.
func newLogsCmd() *cobra.Command {
	var last string

	cmd := &cobra.Command{
		Use:   "logs <execid>",
		Short: "Tail the live event stream of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lf, err := loadLabfile()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return client.Listen(lf.Project.ProjectID, args[0], last, func(ev *model.Event) error {
				switch ev.Event {
				case model.EventKindControl:
					if ev.IsExit() {
						fmt.Fprintln(out, "[stream closed]")
					}
				case model.EventKindResult:
					fmt.Fprintf(out, "[result] %s\n", ev.Data)
				default:
					fmt.Fprintln(out, ev.Data)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&last, "last", "", "Resume after this event id")
	return cmd
}
