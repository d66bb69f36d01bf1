package cmd

import (
	"github.com/spf13/cobra"

	"go.olrik.dev/sockswatch/internal/core"
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sockswatch",
		Short:         "sockswatch - SSH SOCKS tunnel supervisor",
		Long:          `sockswatch keeps an "ssh -D" SOCKS tunnel alive. The tunnel is restarted when a majority of its health probes fail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", core.DefaultConfigFile, "configuration file (INI, or HCL when it ends in .hcl)")
	rootCmd.PersistentFlags().CountP("verbose", "v", "more output")

	rootCmd.AddCommand(
		NewRunCommand(),
		NewStatusCommand(),
		NewEventsCommand(),
		NewPasswordCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// loadConfig reads the file named by --config on top of the environment defaults.
func loadConfig(cmd *cobra.Command) (core.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(path)
}

func verbose(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetCount("verbose")
	return v > 0
}
