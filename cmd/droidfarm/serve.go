package main

import (
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/droidfarm/droidfarm/internal/adb"
	"github.com/droidfarm/droidfarm/internal/batch"
	"github.com/droidfarm/droidfarm/internal/bus"
	"github.com/droidfarm/droidfarm/internal/metrics"
	"github.com/droidfarm/droidfarm/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with its HTTP/WebSocket control surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		db, repo, store, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		defer store.Close()

		runner, err := adb.NewRunner()
		if err != nil {
			return err
		}

		events := bus.New()
		registry := adb.NewRegistry(runner, deviceOptions(cfg), events)

		promReg := prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector())
		m := metrics.New(promReg)
		registry.SetBridgeErrorHook(func(string) { m.BridgeError() })

		queue := batch.NewQueue(".")
		coord := batch.NewCoordinator(queue, store, events, m)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go registry.Start(ctx, cfg.Devices.PollInterval.Std())
		go func() {
			// Keep the online-devices gauge current off the status stream.
			sub, cancel := events.Subscribe(64)
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case <-sub:
					online := 0
					for _, info := range registry.Snapshot() {
						if info.Status == adb.StatusOnline {
							online++
						}
					}
					m.SetDevicesOnline(online)
				}
			}
		}()

		srv := server.New(server.Deps{
			Config:     cfg,
			ConfigPath: cfgPath,
			Registry:   registry,
			Coord:      coord,
			Workflows:  repo,
			Templates:  store,
			Events:     events,
			Gatherer:   promReg,
		})

		log.Info("droidfarm starting", "version", version, "addr", cfg.Server.Addr)
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
