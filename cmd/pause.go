package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a queued or in-flight download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := resolveTaskID(args[0])
		if err != nil {
			return err
		}
		if err := apiPost("/tasks/"+id+"/pause", nil, nil); err != nil {
			return err
		}
		fmt.Println("paused", id)
		return nil
	},
}

func init() { rootCmd.AddCommand(pauseCmd) }
