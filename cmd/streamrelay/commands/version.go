package commands

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harunnryd/streamrelay/pkg/relay"
	"github.com/harunnryd/streamrelay/pkg/runner"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "streamrelay %s\n", runner.Version)
		if verbose {
			fmt.Fprintf(out, "  go:        %s\n", runtime.Version())
			fmt.Fprintf(out, "  providers: %s\n", strings.Join(relay.DefaultProviders().Providers(), ", "))
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
