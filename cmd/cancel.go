package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rmDelete bool

var cancelCmd = &cobra.Command{
	Use:     "cancel <id>",
	Aliases: []string{"rm"},
	Short:   "Cancel a download; --delete also forgets it entirely",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := resolveTaskID(args[0])
		if err != nil {
			return err
		}
		if rmDelete {
			if err := apiDelete("/tasks/" + id); err != nil {
				return err
			}
			fmt.Println("deleted", id)
			return nil
		}
		if err := apiPost("/tasks/"+id+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Println("cancelled", id)
		return nil
	},
}

func init() {
	cancelCmd.Flags().BoolVar(&rmDelete, "delete", false, "remove the task record instead of leaving it CANCELLED")
	rootCmd.AddCommand(cancelCmd)
}
