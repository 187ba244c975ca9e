package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/flasharr/bridge/internal/core"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show aggregate engine stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats core.Stats
		if err := apiGet("/stats", &stats); err != nil {
			return err
		}
		if statusJSON {
			return json.NewEncoder(os.Stdout).Encode(stats)
		}
		fmt.Printf("active=%d queued=%d waiting=%d paused=%d finished=%d failed=%d transferred=%s rate_limiting=%v\n",
			stats.Active, stats.Queued, stats.Waiting, stats.Paused, stats.Finished, stats.Failed,
			humanize.Bytes(uint64(stats.TotalBytes)), stats.RateEnabled)
		for _, a := range stats.Accounts {
			fmt.Printf("  account %s: available=%v active=%d/%d failures=%d\n",
				a.Email, a.Available, a.CurrentDownloads, a.TotalDownloads, a.ConsecutiveFailures)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON instead of a summary line")
	rootCmd.AddCommand(statusCmd)
}
