package version

import "github.com/spf13/cobra"

var (
	// Cmd can be added to other commands to provide a version subcommand
	// printing the build version.
	Cmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			PrintVersion()
		},
	}
)
