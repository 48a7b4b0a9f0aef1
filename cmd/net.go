package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/nylon-mesh/aodv-engine/state"
)

var (
	newNodeID      string
	newPrimaryAddr uint16
	newElemCount   uint16
	newNetIdx      uint16
	newOutPath     string
)

// netCmd generates a fresh node config with a random subnet key.
var netCmd = &cobra.Command{
	Use:   "new-node",
	Short: "Generate a new node config with a random subnet key",
	Run: func(cmd *cobra.Command, args []string) {
		key := make([]byte, 16)
		if _, err := rand.Read(key); err != nil {
			panic(err)
		}

		cfg := state.NodeCfg{
			Id:          newNodeID,
			PrimaryAddr: newPrimaryAddr,
			ElemCount:   newElemCount,
			Subnets: []state.SubnetCfg{
				{NetIdx: state.NetIdx(newNetIdx), Key: hex.EncodeToString(key)},
			},
		}
		if err := state.NodeConfigValidator(&cfg); err != nil {
			panic(err)
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			panic(err)
		}
		if newOutPath == "-" {
			fmt.Print(string(out))
			return
		}
		if err := os.WriteFile(newOutPath, out, 0600); err != nil {
			panic(err)
		}
		fmt.Println("wrote", newOutPath)
	},
	GroupID: "engine",
}

func init() {
	rootCmd.AddCommand(netCmd)
	netCmd.Flags().StringVar(&newNodeID, "id", "my-node", "node identifier")
	netCmd.Flags().Uint16Var(&newPrimaryAddr, "primary-addr", 1, "primary element address")
	netCmd.Flags().Uint16Var(&newElemCount, "elem-count", 1, "number of contiguous elements")
	netCmd.Flags().Uint16Var(&newNetIdx, "net-idx", 0, "subnet index")
	netCmd.Flags().StringVarP(&newOutPath, "out", "o", "node.yaml", "output path, or - for stdout")
}
