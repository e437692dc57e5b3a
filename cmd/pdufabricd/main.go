// Command pdufabricd wires the PDU messaging fabric into a runnable
// daemon: it loads config, starts a PDUPeerSetBuilder (epoll monitor and
// an optional TCP listener; no static peers are configured, so the set
// starts empty), and drives a datasetwatcher loop that broadcasts record
// changes to every peer in the set as PDUs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mellowdrifter/pdufabric/internal/config"
	"github.com/mellowdrifter/pdufabric/internal/datasetwatcher"
	"github.com/mellowdrifter/pdufabric/internal/logging"
	"github.com/mellowdrifter/pdufabric/internal/pdu"
	"github.com/mellowdrifter/pdufabric/internal/pdupeer"
)

// Opcodes for the dataset-change notifications this daemon broadcasts.
// The fabric itself is opcode-agnostic (spec.md §3 treats payload as
// opaque); these are a convention of this particular wiring, not a
// fabric-level catalogue.
const (
	OpRecordAdded   uint32 = 1
	OpRecordRemoved uint32 = 2
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger := logging.New(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting pdufabricd...")

	policy, err := cfg.QueuePolicy()
	if err != nil {
		logger.Fatalf("bad queue policy: %v", err)
	}

	epCfg := pdupeer.Config{
		SendTimeout:        time.Duration(cfg.SendTimeoutSeconds) * time.Second,
		RecvBufferSize:     cfg.ReceiveBufferSize,
		RecvBufferMaxSize:  cfg.ReceiveBufferMaxSize,
		RecvBufferStepSize: cfg.ReceiveBufferStepSize,
		QueueMaxSize:       cfg.QueueMaxSize,
		QueuePolicy:        policy,
		PDUSendTimeout:     time.Duration(cfg.PDUSendTimeoutSeconds) * time.Second,
		PeerSetID:          cfg.PeerSetID,
	}

	builder, err := pdupeer.NewBuilder(logger, pdupeer.BuilderConfig{
		PeerSetID:  cfg.PeerSetID,
		ListenAddr: cfg.ListenAddr,
		Endpoint:   epCfg,
	})
	if err != nil {
		logger.Fatalf("failed to build peer set: %v", err)
	}

	builder.PeerSet().SetEventCallback(func(ev pdupeer.Event) {
		switch ev.Type {
		case pdupeer.Connected:
			logger.Infow("peer connected", "peer", ev.Peer.ID)
		case pdupeer.Disconnected:
			logger.Infow("peer disconnected", "peer", ev.Peer.ID)
		case pdupeer.SendError:
			logger.Warnw("send error", "peer", ev.Peer.ID)
		case pdupeer.ReceivedPDU:
			logger.Debugw("received PDU", "peer", ev.Peer.ID, "opcode", ev.PDU.Opcode)
		}
	})

	if err := builder.Start(); err != nil {
		logger.Fatalf("failed to start peer set: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.DatasetURLs) > 0 {
		watcher := datasetwatcher.New(logger, nil, cfg.DatasetURLs)
		go watcher.Run(ctx, cfg.DatasetRefreshInterval, func(added, removed []datasetwatcher.Record) {
			for _, r := range added {
				broadcastRecord(builder.PeerSet(), OpRecordAdded, r)
			}
			for _, r := range removed {
				broadcastRecord(builder.PeerSet(), OpRecordRemoved, r)
			}
			logger.Infow("dataset change broadcast", "added", len(added), "removed", len(removed))
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Infof("Signal received: %s, shutting down gracefully...", sig)
	cancel()
	builder.Shutdown()
	logger.Info("pdufabricd shut down cleanly")
}

func broadcastRecord(set *pdupeer.PeerSet, opcode uint32, r datasetwatcher.Record) {
	set.BroadcastAsync(pdu.New(opcode, []byte(r.Value), nil))
}
