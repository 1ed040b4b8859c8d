package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clusterpipe/mpipe"
	"github.com/clusterpipe/mpipe/internal/logging"
)

func main() {
	var (
		role         = flag.String("role", "", "Node role: master or slave (required)")
		nodeIndex    = flag.Uint("node-index", 0, "1-based slave index (slave only)")
		numSlaves    = flag.Uint("num-slaves", 1, "Number of slaves in the cluster")
		masterAddr   = flag.String("master-addr", "127.0.0.1", "Master's address")
		masterPort   = flag.Int("master-port", 9100, "Master's UDP port")
		slaveGroup   = flag.String("slave-group", "239.0.0.1", "Slave multicast group address (or a broadcast address)")
		slavePort    = flag.Int("slave-port", 9101, "Slave group UDP port")
		echoPackets  = flag.Int("packets", 1000, "Packets to send (master) or expect (slave)")
		echoSize     = flag.Int("packet-size", 256, "Payload size per packet")
		verbose      = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	var nodeRole mpipe.Role
	switch *role {
	case "master":
		nodeRole = mpipe.RoleMaster
	case "slave":
		nodeRole = mpipe.RoleSlave
	default:
		fmt.Fprintln(os.Stderr, "must pass -role=master or -role=slave")
		os.Exit(1)
	}

	cfg := mpipe.Config{
		Role:              nodeRole,
		NodeIndex:         uint32(*nodeIndex),
		NumSlaves:         uint32(*numSlaves),
		MasterAddress:     net.ParseIP(*masterAddr),
		MasterPort:        *masterPort,
		SlaveGroupAddress: net.ParseIP(*slaveGroup),
		SlavePort:         *slavePort,
		Logger:            logger,
	}

	mux, err := mpipe.New(cfg)
	if err != nil {
		logger.Error("failed to create multiplexer", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	if err := run(ctx, mux, nodeRole, *echoPackets, *echoSize); err != nil {
		logger.Error("run failed", "error", err)
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		mux.Close(closeCtx)
		closeCancel()
		os.Exit(1)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	if err := mux.Close(closeCtx); err != nil {
		logger.Error("error closing multiplexer", "error", err)
	}
}

func run(ctx context.Context, mux *mpipe.Multiplexer, role mpipe.Role, numPackets, packetSize int) error {
	logger := logging.Default()

	if err := mux.WaitForConnection(ctx); err != nil {
		return fmt.Errorf("waiting for cluster connection: %w", err)
	}
	logger.Info("cluster connected")

	pipe, err := mux.OpenPipe(ctx)
	if err != nil {
		return fmt.Errorf("opening pipe: %w", err)
	}
	logger.Info("pipe open", "pipe", pipe.ID())

	if role == mpipe.RoleMaster {
		for k := 0; k < numPackets; k++ {
			payload := make([]byte, packetSize)
			for i := range payload {
				payload[i] = byte((i + k) % 256)
			}
			if err := pipe.SendPacket(ctx, payload); err != nil {
				return fmt.Errorf("sending packet %d: %w", k, err)
			}
		}
		logger.Info("finished sending", "packets", numPackets)
	} else {
		for k := 0; k < numPackets; k++ {
			if _, err := pipe.ReceivePacket(ctx); err != nil {
				return fmt.Errorf("receiving packet %d: %w", k, err)
			}
		}
		logger.Info("finished receiving", "packets", numPackets)
	}

	if err := pipe.Barrier(ctx); err != nil {
		return fmt.Errorf("final barrier: %w", err)
	}
	return pipe.ClosePipe(ctx)
}
