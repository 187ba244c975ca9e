package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	submitFilename string
	submitCategory string
	submitGroup    string
	submitDestDir  string
	submitPriority int
)

var submitCmd = &cobra.Command{
	Use:     "submit <url>",
	Aliases: []string{"get", "add"},
	Short:   "Queue a new download",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp submitResponse
		req := submitRequest{
			URL:      args[0],
			Filename: submitFilename,
			Category: submitCategory,
			Group:    submitGroup,
			DestDir:  submitDestDir,
			Priority: submitPriority,
		}
		if err := apiPost("/submit", req, &resp); err != nil {
			return err
		}
		fmt.Println(resp.ID)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitFilename, "filename", "", "override the resolved filename")
	submitCmd.Flags().StringVar(&submitCategory, "category", "", "category label")
	submitCmd.Flags().StringVar(&submitGroup, "group", "", "group label")
	submitCmd.Flags().StringVar(&submitDestDir, "dest", "", "destination directory (defaults to config download_dir)")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "1=low 2=normal 3=high 4=urgent (0=unset, normalizes to normal)")
	rootCmd.AddCommand(submitCmd)
}
