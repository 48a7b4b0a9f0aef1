package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nylon-mesh/aodv-engine/state"
)

// inspectCmd validates and prints a node config. It stops short of
// attaching to a running engine's live route table — that would need an
// IPC channel into the running process, which is out of scope here.
var inspectCmd = &cobra.Command{
	Use:     "inspect",
	Aliases: []string{"i"},
	Short:   "Validate and print a node config",
	Run: func(cmd *cobra.Command, args []string) {
		data, err := os.ReadFile(nodeConfigPath)
		if err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
		cfg, err := state.LoadNodeConfig(data)
		if err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}

		fmt.Printf("node:         %s\n", cfg.Id)
		fmt.Printf("primary_addr: 0x%04x\n", cfg.PrimaryAddr)
		fmt.Printf("elem_count:   %d\n", cfg.ElemCount)
		for _, s := range cfg.Subnets {
			fmt.Printf("subnet:       net_idx=%d key=%s\n", s.NetIdx, s.Key)
		}
	},
	GroupID: "engine",
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
