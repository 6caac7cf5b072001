package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/thetenthbox/gpuq/pkg/config"
	"github.com/thetenthbox/gpuq/pkg/storage"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect compute nodes",
}

var nodeLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List node state as recorded in the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Printf("%-8s %-20s %-8s %-14s %s\n", "Node", "Address", "Busy", "Queue (s)", "Current Job")
		for _, node := range cfg.Nodes {
			state, err := store.GetNodeState(node.ID)
			if err != nil {
				fmt.Printf("%-8d %-20s %s\n", node.ID, node.Address, "(no state)")
				continue
			}
			current := state.CurrentJobID
			if current == "" {
				current = "-"
			}
			fmt.Printf("%-8d %-20s %-8v %-14d %s\n",
				node.ID, node.Address, state.IsBusy, state.TotalQueueTime, current)
		}
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeLsCmd)
}
