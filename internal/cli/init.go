package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nbworkflows/labflow/internal/labfile"
	"github.com/nbworkflows/labflow/pkg/model"
)

// newInitCmd creates the server-side project and writes a fresh labfile.
func newInitCmd() *cobra.Command {
	var (
		name string
		desc string
		repo string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a project and its labfile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if _, err := os.Stat(labfile.DefaultName); err == nil {
				return fmt.Errorf("%s already exists", labfile.DefaultName)
			}

			data, err := client.CreateProject(model.ProjectReq{
				Name:        name,
				Description: desc,
				RepoURL:     repo,
			})
			if err != nil {
				return fmt.Errorf("create project: %w", err)
			}
			if data == nil {
				return fmt.Errorf("project %q already exists on the server", name)
			}

			lf := labfile.NewLabfile(labfile.ProjectRef{
				ProjectID:   data.ProjectID,
				Name:        data.Name,
				Description: desc,
				RepoURL:     repo,
			})
			if err := labfile.Save(labfile.DefaultName, lf); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %s (%s) created, labfile written\n",
				data.Name, data.ProjectID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Project name")
	cmd.Flags().StringVar(&desc, "description", "", "Project description")
	cmd.Flags().StringVar(&repo, "repo", "", "Repository URL")
	return cmd
}
