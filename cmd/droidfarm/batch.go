package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/droidfarm/droidfarm/internal/adb"
	"github.com/droidfarm/droidfarm/internal/batch"
	"github.com/droidfarm/droidfarm/internal/bus"
)

var batchCmd = &cobra.Command{
	Use:   "batch <account-folder>",
	Short: "Run a workflow over a folder of account files across all devices",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runBatch(cmd, args[0]))
	},
}

func runBatch(cmd *cobra.Command, folder string) int {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		log.Error("config load failed", "err", err)
		return exitBadInput
	}

	db, repo, store, err := openStores(cfg)
	if err != nil {
		log.Error("store open failed", "err", err)
		return exitBadInput
	}
	defer db.Close()
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wf, err := resolveRunWorkflow(ctx, cmd, repo)
	if err != nil {
		log.Error("workflow lookup failed", "err", err)
		return exitBadInput
	}

	queue := batch.NewQueue(folder)
	n, err := queue.Load(cfg.Batch.AccountExtension)
	if err != nil {
		log.Error("account scan failed", "err", err)
		return exitBadInput
	}
	if n == 0 {
		log.Error("no account files found", "folder", folder, "ext", cfg.Batch.AccountExtension)
		return exitBadInput
	}

	runner, err := adb.NewRunner()
	if err != nil {
		log.Error("adb not found", "err", err)
		return exitBridgeError
	}

	events := bus.New()
	registry := adb.NewRegistry(runner, deviceOptions(cfg), events)
	registry.Refresh(ctx)

	serials, _ := cmd.Flags().GetStringSlice("serial")
	devices, err := selectBatchDevices(registry, serials)
	if err != nil {
		log.Error("device selection failed", "err", err)
		if errors.Is(err, errNoDevices) {
			return exitBridgeError
		}
		return exitBadInput
	}

	// Mirror progress onto the console.
	sub, cancel := events.Subscribe(256)
	defer cancel()
	go func() {
		for ev := range sub {
			if ev.Type == bus.EventJobProgress {
				log.Info(ev.Message, "serial", ev.Serial)
			}
		}
	}()

	coord := batch.NewCoordinator(queue, store, events, nil)
	if _, err := coord.Start(ctx, devices, wf, batchOptions(cfg)); err != nil {
		log.Error("batch start failed", "err", err)
		if errors.Is(err, adb.ErrDeviceBusy) {
			return exitBridgeError
		}
		return exitBadInput
	}
	coord.Wait()

	_, stats := queue.Snapshot()
	fmt.Printf("accounts: %d  succeeded: %d  failed: %d  remaining: %d\n",
		stats.Total, stats.Succeeded, stats.Failed, stats.Remaining)

	if stats.Failed > 0 || stats.Remaining > 0 {
		return exitWorkflowError
	}
	return exitOK
}

func init() {
	batchCmd.Flags().StringSliceP("serial", "s", nil, "Device serials (default: every online device)")
	batchCmd.Flags().StringP("workflow", "w", "", "Workflow name to run")
	batchCmd.Flags().StringP("mode", "m", "", "Scheduled mode to resolve a workflow for")
	batchCmd.Flags().String("month", "", "Month override for --mode lookups (format 2006-01)")
	rootCmd.AddCommand(batchCmd)
}
