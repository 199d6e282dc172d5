package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/droidfarm/droidfarm/internal/adb"
	"github.com/droidfarm/droidfarm/internal/batch"
	"github.com/droidfarm/droidfarm/internal/config"
	"github.com/droidfarm/droidfarm/internal/template"
	"github.com/droidfarm/droidfarm/internal/workflow"
)

// loadConfig reads the config selected by --config (or the default file).
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		path = config.DefaultFileName
	}
	return cfg, path, nil
}

// openStores opens the SQLite database and builds the workflow repo and
// template store over it. The caller owns closing the returned handles.
func openStores(cfg *config.Config) (*sqlx.DB, *workflow.Repo, *template.Store, error) {
	db, err := sqlx.Open("sqlite3", cfg.Store.DatabasePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}

	repo, err := workflow.NewRepo(db)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	store, err := template.NewStore(db, cfg.Store.TemplateDir)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	repo.SetTemplateResolver(func(ref string) bool {
		return store.Exists(context.Background(), ref)
	})
	return db, repo, store, nil
}

// deviceOptions maps config timeouts onto adb channel options.
func deviceOptions(cfg *config.Config) adb.Options {
	return adb.Options{
		CommandTimeout:  cfg.Devices.CommandTimeout.Std(),
		TransferTimeout: cfg.Devices.TransferTimeout.Std(),
		Retries:         cfg.Devices.CommandRetries,
	}
}

// targetFromConfig builds the interpreter target from config.
func targetFromConfig(cfg *config.Config) workflow.Target {
	return workflow.Target{
		Package:        cfg.Target.Package,
		Activity:       cfg.Target.Activity,
		ColdStartWait:  cfg.Target.ColdStartWait.Std(),
		ReadyTemplates: cfg.Target.ReadyTemplates,
	}
}

// errNoDevices distinguishes an empty fleet from a bad serial argument.
var errNoDevices = errors.New("no online devices")

// selectBatchDevices resolves the worker set for a batch run. Explicit
// serials must be known to the registry and online; with none given every
// online device is used.
func selectBatchDevices(registry *adb.Registry, serials []string) ([]batch.WorkerDevice, error) {
	if len(serials) == 0 {
		for _, info := range registry.Snapshot() {
			if info.Status == adb.StatusOnline {
				serials = append(serials, info.Serial)
			}
		}
		if len(serials) == 0 {
			return nil, errNoDevices
		}
	}

	devices := make([]batch.WorkerDevice, 0, len(serials))
	for _, serial := range serials {
		info, ok := registry.Get(serial)
		if !ok {
			return nil, fmt.Errorf("unknown device %s", serial)
		}
		if info.Status != adb.StatusOnline {
			return nil, fmt.Errorf("device %s is %s", serial, info.Status)
		}
		devices = append(devices, registry.Channel(serial))
	}
	return devices, nil
}

// batchOptions builds coordinator options from config.
func batchOptions(cfg *config.Config) batch.Options {
	return batch.Options{
		RemoteAccountPath:    cfg.Target.RemoteAccountPath,
		RemoteStagingPath:    cfg.Target.RemoteStagingPath,
		Target:               targetFromConfig(cfg),
		MoveOnComplete:       cfg.Batch.MoveOnComplete,
		DoneFolder:           cfg.Batch.DoneFolder,
		DelayBetweenAccounts: cfg.Batch.DelayBetweenAccounts.Std(),
	}
}
