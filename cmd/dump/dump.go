package dump

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"sdaa/internal/capture"
	"sdaa/internal/config"
	"sdaa/internal/metrics"
	"sdaa/internal/sink"
	"sdaa/internal/udp"
	"sdaa/internal/utils"
)

// Command line parameters that are not config keys
var (
	configPath string
	debugMode  bool
)

var DumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Capture a fixed-size UDP record stream into files",
	Long: `Receive fixed-size records from a unicast or multicast UDP endpoint, fill
sequence gaps with placeholder records and write the result to disk.`,
	RunE: runDump,
}

func init() {
	f := DumpCmd.Flags()
	f.StringP("addr", "a", "", "local ip:port; with -m the ip selects the interface for the join")
	f.StringP("maddr", "m", "", "multicast group to join")
	f.String("iface", "", "IPv4 address of the interface used for the join (default: ip of --addr)")
	f.Int("read-buffer", 64<<20, "socket receive buffer in bytes")
	utils.AddOutputFlags(f)
	f.StringVar(&configPath, "config", "", "config file (yaml)")
	f.BoolVar(&debugMode, "debug", false, "enable debug logging")
}

func runDump(cmd *cobra.Command, args []string) error {
	cfg, logger, err := utils.Bootstrap(configPath, cmd.Flags(), debugMode, "dump")
	if err != nil {
		return err
	}
	if err := cfg.ValidateReceiver(); err != nil {
		return err
	}
	cmd.SilenceUsage = true

	bind, membership, err := resolveEndpoint(cfg.Receiver)
	if err != nil {
		return err
	}

	var ms *metrics.Server
	if cfg.Metrics.Enabled {
		ms = metrics.StartPrometheus(cfg.Metrics.Listen, cfg.Metrics.Path)
	}
	defer ms.Stop(context.Background())

	receiver, err := udp.NewReceiver(bind, membership, udp.ReceiverOptions{ReadBuffer: cfg.Receiver.ReadBuffer})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := utils.SetupGracefulShutdown()
	go func() {
		select {
		case sig := <-sigChan:
			logger.Infof("received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	dst := bind
	if membership != nil {
		dst = &net.UDPAddr{IP: membership.Group, Port: bind.Port}
	}

	logger.Infof("capturing on %s, record size %d bytes, output %q (%s)",
		receiver.LocalAddr(), cfg.Payload.Layout().RecordSize(), cfg.Output.Path, cfg.Output.Format)

	sum, err := capture.Run(ctx, cfg, receiver, capture.Options{
		Endpoints: sink.Endpoints{Dst: dst},
		Logger:    logger,
	})
	if sum != nil {
		sum.Report(os.Stdout, "DUMP")
	}
	return err
}

// resolveEndpoint follows the dumper convention: with a group the socket binds the
// wildcard address on the given port and the ip of addr picks the interface.
func resolveEndpoint(rc config.ReceiverConfig) (*net.UDPAddr, *udp.Membership, error) {
	addr, err := utils.ParseIPv4Addr(rc.Addr)
	if err != nil {
		return nil, nil, err
	}
	if rc.Multicast == "" {
		return addr, nil, nil
	}

	group, err := utils.ParseIPv4(rc.Multicast)
	if err != nil {
		return nil, nil, err
	}
	iface := addr.IP
	if rc.Interface != "" {
		if iface, err = utils.ParseIPv4(rc.Interface); err != nil {
			return nil, nil, fmt.Errorf("interface: %w", err)
		}
	}
	bind := &net.UDPAddr{IP: net.IPv4zero, Port: addr.Port}
	return bind, &udp.Membership{Group: group, Interface: iface}, nil
}
