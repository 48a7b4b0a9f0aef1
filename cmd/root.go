package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var nodeConfigPath string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "aodv-engine",
	Short: "AODV-variant mesh routing engine CLI",
	Long: `A node-local reactive routing engine for an ad-hoc wireless mesh
of short-range broadcast devices: flooded discovery, directed replies,
intermediate-node shortcutting, RSSI-weighted path selection, and
route-error propagation.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(), once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{ID: "engine", Title: "Engine Commands"})
	rootCmd.PersistentFlags().StringVarP(&nodeConfigPath, "node-config", "n", "node.yaml", "node config path")
}
