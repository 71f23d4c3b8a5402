package replay

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sdaa/internal/capture"
	"sdaa/internal/metrics"
	pcapsrc "sdaa/internal/replay"
	"sdaa/internal/utils"
)

var (
	pcapPath   string
	port       int
	configPath string
	debugMode  bool
)

var ReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run a recorded pcap capture through the same pipeline as dump",
	RunE:  runReplay,
}

func init() {
	f := ReplayCmd.Flags()
	f.StringVar(&pcapPath, "pcap", "", "pcap or pcapng file to read (required)")
	f.IntVar(&port, "port", 0, "only use datagrams sent to this UDP port (0 = all)")
	utils.AddOutputFlags(f)
	f.StringVar(&configPath, "config", "", "config file (yaml)")
	f.BoolVar(&debugMode, "debug", false, "enable debug logging")
	if err := ReplayCmd.MarkFlagRequired("pcap"); err != nil {
		panic(err)
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port %d out of valid range (0-65535)", port)
	}
	cfg, logger, err := utils.Bootstrap(configPath, cmd.Flags(), debugMode, "replay")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	var ms *metrics.Server
	if cfg.Metrics.Enabled {
		ms = metrics.StartPrometheus(cfg.Metrics.Listen, cfg.Metrics.Path)
	}
	defer ms.Stop(context.Background())

	src, err := pcapsrc.Open(pcapPath, pcapsrc.Filter{Port: port})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := utils.SetupGracefulShutdown()
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Infof("replaying %s (port filter %d)", pcapPath, port)
	sum, err := capture.Run(ctx, cfg, src, capture.Options{Logger: logger})

	read, matched := src.Packets()
	logger.Infof("%d frames read, %d datagrams used", read, matched)
	if sum != nil {
		sum.Report(os.Stdout, "REPLAY")
	}
	return err
}
