package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droidfarm/droidfarm/internal/adb"
	"github.com/droidfarm/droidfarm/internal/batch"
)

var exportCmd = &cobra.Command{
	Use:   "export <serial>",
	Short: "Pull the device's current account file to the host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		runner, err := adb.NewRunner()
		if err != nil {
			return err
		}

		label, _ := cmd.Flags().GetString("label")
		if label == "" {
			label = args[0]
		}
		out, _ := cmd.Flags().GetString("out")

		e := &batch.Exporter{
			RemoteAccountPath: cfg.Target.RemoteAccountPath,
			OutputDir:         out,
		}
		dev := adb.NewDevice(args[0], runner, deviceOptions(cfg))
		path, err := e.Export(cmd.Context(), dev, label)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("label", "l", "", "Label used in the exported filename (default: serial)")
	exportCmd.Flags().StringP("out", "o", "exports", "Output directory")
	rootCmd.AddCommand(exportCmd)
}
