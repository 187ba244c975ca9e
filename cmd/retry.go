package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset a failed or offline download's attempt count and requeue it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := resolveTaskID(args[0])
		if err != nil {
			return err
		}
		if err := apiPost("/tasks/"+id+"/retry", nil, nil); err != nil {
			return err
		}
		fmt.Println("retrying", id)
		return nil
	},
}

func init() { rootCmd.AddCommand(retryCmd) }
