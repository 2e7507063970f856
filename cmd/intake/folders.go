package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List document folders available for analysis",
	RunE:  runFolders,
}

func init() {
	rootCmd.AddCommand(foldersCmd)
}

func runFolders(cmd *cobra.Command, args []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}
	defer app.Close()

	folders, err := app.Client().Folders(context.Background())
	if err != nil {
		return fmt.Errorf("%w\nIs the server running? Start it with: intake serve", err)
	}
	if len(folders) == 0 {
		fmt.Println("No folders found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPATH")
	for _, f := range folders {
		path := f.Path
		if path == "" {
			path = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.ID, f.Name, path)
	}
	return w.Flush()
}
