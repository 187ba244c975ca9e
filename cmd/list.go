package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/flasharr/bridge/internal/task"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List known downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		var tasks []task.Snapshot
		if err := apiGet("/tasks", &tasks); err != nil {
			return err
		}
		if listJSON {
			return json.NewEncoder(os.Stdout).Encode(tasks)
		}
		printTaskTable(tasks)
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print raw JSON instead of a table")
	rootCmd.AddCommand(listCmd)
}

func printTaskTable(tasks []task.Snapshot) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "ID\tSTATE\tPROGRESS\tFILENAME")
	for _, t := range tasks {
		id := t.ID
		if len(id) > 8 {
			id = id[:8]
		}
		progress := humanize.Bytes(uint64(t.Downloaded))
		if t.Total > 0 {
			progress = fmt.Sprintf("%s/%s", humanize.Bytes(uint64(t.Downloaded)), humanize.Bytes(uint64(t.Total)))
		}
		name := t.Filename
		if name == "" {
			name = t.URL
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, t.State, progress, name)
	}
}
