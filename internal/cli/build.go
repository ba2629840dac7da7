package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nbworkflows/labflow/internal/labfile"
)

// newBuildCmd uploads a project bundle and enqueues the image build for
// one of the runtimes declared in runtimes.yaml.
func newBuildCmd() *cobra.Command {
	var (
		runtimesPath string
		bundlePath   string
		version      string
		cluster      string
	)

	cmd := &cobra.Command{
		Use:   "build <runtime>",
		Short: "Build a runtime image from a project bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lf, err := loadLabfile()
			if err != nil {
				return err
			}
			runtimes, err := labfile.LoadRuntimes(runtimesPath)
			if err != nil {
				return err
			}
			spec, ok := runtimes.Get(args[0])
			if !ok {
				return fmt.Errorf("runtime %q not in %s", args[0], runtimesPath)
			}

			if bundlePath != "" {
				if version == "" {
					return fmt.Errorf("--bundle requires --version")
				}
				f, err := os.Open(bundlePath)
				if err != nil {
					return fmt.Errorf("open bundle: %w", err)
				}
				defer f.Close()
				key, err := client.UploadBundle(lf.Project.ProjectID, spec.Name, version, f)
				if err != nil {
					return fmt.Errorf("upload bundle: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "bundle uploaded: %s\n", key)
			}

			bc, err := client.Build(lf.Project.ProjectID, spec, version, cluster)
			if err != nil {
				return fmt.Errorf("enqueue build: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "build %s enqueued (image %s)\n", bc.ExecID, bc.ImageTag())
			return nil
		},
	}

	cmd.Flags().StringVar(&runtimesPath, "runtimes", "runtimes.yaml", "Path to runtimes.yaml")
	cmd.Flags().StringVar(&bundlePath, "bundle", "", "Project bundle zip to upload before building")
	cmd.Flags().StringVar(&version, "version", "", "Runtime version (server picks a timestamp when omitted)")
	cmd.Flags().StringVar(&cluster, "cluster", "", "Cluster whose build queue runs the job")
	return cmd
}
