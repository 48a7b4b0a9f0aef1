package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nylon-mesh/aodv-engine/core"
	"github.com/nylon-mesh/aodv-engine/state"
	"github.com/nylon-mesh/aodv-engine/transport"
)

var (
	runGroupAddr string
	runIface     string
	runLogPath   string
	runVerbose   bool
)

// runCmd starts the engine against a UDP-multicast medium, standing in
// for the real radio/framing stack (out of scope, see spec.md §1).
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the routing engine on a multicast medium",
	Run: func(cmd *cobra.Command, args []string) {
		data, err := os.ReadFile(nodeConfigPath)
		if err != nil {
			panic(err)
		}
		cfg, err := state.LoadNodeConfig(data)
		if err != nil {
			panic(err)
		}

		level := slog.LevelInfo
		if runVerbose {
			level = slog.LevelDebug
		}
		log, err := state.NewLogger(cfg.Id, level, runLogPath)
		if err != nil {
			panic(err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		netIdx := state.NetIdx(0)
		if len(cfg.Subnets) > 0 {
			netIdx = cfg.Subnets[0].NetIdx
		}

		medium, err := transport.NewMulticastMedium(ctx, runGroupAddr, runIface, state.Address(cfg.PrimaryAddr), cfg.ElemCount, netIdx, log)
		if err != nil {
			panic(err)
		}
		defer medium.Close()

		env := state.NewEnv(ctx, cfg, log, medium)
		engine := core.NewEngine(env)
		medium.SetReceiver(engine)
		defer engine.Close()

		log.Info("engine running", "primary_addr", cfg.PrimaryAddr, "group", runGroupAddr)
		<-ctx.Done()
		log.Info("engine shutting down")
	},
	GroupID: "engine",
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runGroupAddr, "group", "g", "239.0.0.1:7462", "multicast group address")
	runCmd.Flags().StringVar(&runIface, "iface", "", "multicast interface (default: OS default)")
	runCmd.Flags().StringVar(&runLogPath, "log-file", "", "also write logs to this file")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "debug-level logging")
}
