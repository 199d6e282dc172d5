package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/droidfarm/droidfarm/internal/workflow"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage stored workflows",
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, repo, store, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		defer store.Close()

		list, err := repo.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, wf := range list {
			marker := " "
			if wf.IsMaster {
				marker = "*"
			}
			mode := wf.ModeName
			if mode == "" {
				mode = "-"
			}
			fmt.Printf("%s %-4d %-30s %s %s\n", marker, wf.ID, wf.Name, mode, wf.MonthYear)
		}
		return nil
	},
}

var workflowShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a workflow as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, repo, store, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		defer store.Close()

		wf, err := repo.GetByName(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(wf)
	},
}

var workflowImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Import a workflow from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, repo, store, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		defer store.Close()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var wf workflow.Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return fmt.Errorf("parse workflow: %w", err)
		}
		wf.ID = 0

		// Imports may reference templates captured later.
		repo.SetTemplateResolver(nil)
		if err := repo.Save(cmd.Context(), &wf); err != nil {
			return err
		}
		fmt.Printf("imported %q as id %d (%d steps)\n", wf.Name, wf.ID, len(wf.Steps))
		return nil
	},
}

var workflowMasterCmd = &cobra.Command{
	Use:   "set-master <name>",
	Short: "Mark a workflow as the fleet-wide default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, repo, store, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		defer store.Close()

		wf, err := repo.GetByName(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := repo.SetMaster(cmd.Context(), wf.ID); err != nil {
			return err
		}
		fmt.Printf("%q is now the master workflow\n", wf.Name)
		return nil
	},
}

func init() {
	workflowCmd.AddCommand(workflowListCmd, workflowShowCmd, workflowImportCmd, workflowMasterCmd)
	rootCmd.AddCommand(workflowCmd)
}
