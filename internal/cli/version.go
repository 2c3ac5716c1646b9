package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/keelwallet/keel/internal/version"
)

var versionCheckFlag bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Printf("keel %s", version.Version)
		if version.Commit != "" {
			fmt.Printf(" (%s)", version.Commit)
		}
		fmt.Printf(" %s/%s\n", runtime.GOOS, runtime.GOARCH)

		if !versionCheckFlag {
			return nil
		}

		client := version.NewClient("", nil)
		release, err := client.LatestRelease(cmd.Context(), "keelwallet", "keel")
		if err != nil {
			return err
		}
		if version.IsNewer(version.Version, release.TagName) {
			fmt.Printf("A newer release is available: %s\n", release.TagName)
		} else {
			fmt.Println("You are on the latest release")
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCheckFlag, "check", false, "check GitHub for a newer release")
	rootCmd.AddCommand(versionCmd)
}
