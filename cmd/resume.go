package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := resolveTaskID(args[0])
		if err != nil {
			return err
		}
		if err := apiPost("/tasks/"+id+"/resume", nil, nil); err != nil {
			return err
		}
		fmt.Println("resumed", id)
		return nil
	},
}

func init() { rootCmd.AddCommand(resumeCmd) }
