package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droidfarm/droidfarm/internal/batch"
)

var dedupeCmd = &cobra.Command{
	Use:   "dedupe <master-folder> <candidate-folder>",
	Short: "Remove account files whose contents duplicate the master folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		apply, _ := cmd.Flags().GetBool("delete")

		res, err := batch.Dedupe(args[0], args[1], cfg.Batch.AccountExtension, !apply)
		if err != nil {
			return err
		}

		for _, d := range res.Duplicates {
			fmt.Printf("%s duplicates %s\n", d.File, d.Matches)
		}
		if apply {
			fmt.Printf("deleted %d of %d duplicates\n", res.Deleted, len(res.Duplicates))
		} else {
			fmt.Printf("%d duplicates found (dry run, use --delete to remove)\n", len(res.Duplicates))
		}
		return nil
	},
}

func init() {
	dedupeCmd.Flags().Bool("delete", false, "Delete duplicates instead of only listing them")
	rootCmd.AddCommand(dedupeCmd)
}
