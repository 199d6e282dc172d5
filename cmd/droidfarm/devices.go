package main

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/droidfarm/droidfarm/internal/adb"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices attached to the bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		runner, err := adb.NewRunner()
		if err != nil {
			return err
		}

		out, err := runner.Output(cmd.Context(), cfg.Devices.CommandTimeout.Std(), "devices", "-l")
		if err != nil {
			return err
		}
		statuses := adb.ParseDevicesOutput(string(out))
		if len(statuses) == 0 {
			fmt.Println("no devices attached")
			return nil
		}

		serials := make([]string, 0, len(statuses))
		for serial := range statuses {
			serials = append(serials, serial)
		}
		sort.Strings(serials)

		for _, serial := range serials {
			line := fmt.Sprintf("%-24s %s", serial, statuses[serial])
			if statuses[serial] == adb.StatusOnline {
				dev := adb.NewDevice(serial, runner, deviceOptions(cfg))
				if w, h, err := dev.ScreenSize(cmd.Context()); err == nil {
					line += fmt.Sprintf("  %dx%d", w, h)
				}
			}
			fmt.Println(line)
		}
		return nil
	},
}

var screenshotCmd = &cobra.Command{
	Use:   "screenshot <serial>",
	Short: "Save a device screenshot to a PNG file",
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

		dev := adb.NewDevice(args[0], runner, deviceOptions(cfg))
		img, err := dev.Screenshot(context.Background())
		if err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := png.Encode(f, img); err != nil {
			return err
		}
		fmt.Printf("saved %s (%dx%d)\n", out, img.Bounds().Dx(), img.Bounds().Dy())
		return nil
	},
}

func init() {
	screenshotCmd.Flags().StringP("out", "o", "screenshot.png", "Output file")
	devicesCmd.AddCommand(screenshotCmd)
	rootCmd.AddCommand(devicesCmd)
}
