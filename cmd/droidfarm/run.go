package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/droidfarm/droidfarm/internal/adb"
	"github.com/droidfarm/droidfarm/internal/config"
	"github.com/droidfarm/droidfarm/internal/workflow"
)

// Exit codes for one-shot runs, so schedulers can branch on the outcome.
const (
	exitOK            = 0
	exitWorkflowError = 1
	exitBadInput      = 2
	exitBridgeError   = 3
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one workflow on one device and exit",
	Long: `Runs a single workflow against a single device and exits with a
code describing the outcome: 0 success, 1 workflow failure, 2 invalid
input, 3 bridge failure.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runOnce(cmd))
	},
}

func runOnce(cmd *cobra.Command) int {
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

	runner, err := adb.NewRunner()
	if err != nil {
		log.Error("adb not found", "err", err)
		return exitBridgeError
	}

	serial, _ := cmd.Flags().GetString("serial")
	if serial == "" {
		serial, err = firstOnlineSerial(ctx, runner, cfg)
		if err != nil {
			log.Error("no device", "err", err)
			return exitBridgeError
		}
	}

	dev := adb.NewDevice(serial, runner, deviceOptions(cfg))
	in := workflow.NewInterpreter(dev, store, targetFromConfig(cfg))
	in.OnProgress = func(p workflow.Progress) {
		log.Info("step done", "serial", p.Serial, "step", fmt.Sprintf("%d/%d", p.StepIndex+1, p.StepTotal), "desc", p.Description)
	}

	log.Info("running workflow", "workflow", wf.Name, "serial", serial)
	if err := in.Run(ctx, wf); err != nil {
		if errors.Is(err, adb.ErrBridge) {
			log.Error("bridge failure", "err", err)
			return exitBridgeError
		}
		log.Error("workflow failed", "err", err)
		return exitWorkflowError
	}

	log.Info("workflow completed", "workflow", wf.Name, "serial", serial)
	return exitOK
}

// resolveRunWorkflow picks the workflow from --workflow, --mode, or the
// fleet master, in that order.
func resolveRunWorkflow(ctx context.Context, cmd *cobra.Command, repo *workflow.Repo) (*workflow.Workflow, error) {
	name, _ := cmd.Flags().GetString("workflow")
	mode, _ := cmd.Flags().GetString("mode")
	month, _ := cmd.Flags().GetString("month")

	switch {
	case name != "":
		return repo.GetByName(ctx, name)
	case mode != "":
		return repo.ForMode(ctx, mode, month)
	default:
		wf, err := repo.Master(ctx)
		if errors.Is(err, workflow.ErrNotFound) {
			return nil, errors.New("no workflow selected and no master set; use --workflow or --mode")
		}
		return wf, err
	}
}

// firstOnlineSerial scans the bridge once and returns the first online
// device.
func firstOnlineSerial(ctx context.Context, runner adb.Runner, cfg *config.Config) (string, error) {
	out, err := runner.Output(ctx, cfg.Devices.CommandTimeout.Std(), "devices", "-l")
	if err != nil {
		return "", err
	}
	for serial, status := range adb.ParseDevicesOutput(string(out)) {
		if status == adb.StatusOnline {
			return serial, nil
		}
	}
	return "", errors.New("no online devices attached")
}

func init() {
	runCmd.Flags().StringP("serial", "s", "", "Device serial (default: first online device)")
	runCmd.Flags().StringP("workflow", "w", "", "Workflow name to run")
	runCmd.Flags().StringP("mode", "m", "", "Scheduled mode to resolve a workflow for")
	runCmd.Flags().String("month", "", "Month override for --mode lookups (format 2006-01)")
	rootCmd.AddCommand(runCmd)
}
