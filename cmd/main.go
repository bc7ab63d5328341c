package cmd

import (
	"github.com/spf13/cobra"

	"github.com/alpacahq/replica/cmd/start"
	"github.com/alpacahq/replica/utils"
	"github.com/alpacahq/replica/utils/log"
)

// flagPrintVersion set flag to show current replica version.
var flagPrintVersion bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version info",
	Run: func(*cobra.Command, []string) {
		printVersion()
	},
}

func printVersion() {
	log.Info("version: %+v", utils.Tag)
	log.Info("commit hash: %+v", utils.GitHash)
	log.Info("utc build time: %+v", utils.BuildStamp)
}

// Execute builds the command tree and executes commands.
func Execute() error {
	// c is the root command.
	c := &cobra.Command{
		Use: "replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Print version if specified.
			if flagPrintVersion {
				printVersion()
				return nil
			}
			// Print information regarding usage.
			return cmd.Usage()
		},
	}

	// Adds subcommands and version flag.
	c.AddCommand(start.Cmd)
	c.AddCommand(versionCmd)
	c.Flags().BoolVarP(&flagPrintVersion, "version", "v", false, "show the version info and exit")

	defer log.Sync()
	return c.Execute()
}
