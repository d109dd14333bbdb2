package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"treemesh/pkg/config"
	"treemesh/pkg/identity"
	"treemesh/pkg/memkv"
	"treemesh/pkg/mesh"
	"treemesh/pkg/netstack"
	"treemesh/pkg/observability"
	"treemesh/pkg/peers"
	"treemesh/pkg/protocol/codec"
	"treemesh/pkg/transport"
)

// statsEvery spaces the periodic diagnostics line, in ticks.
const statsEvery = 100

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.ChipID != 0 {
		cfg.ChipID = uint32(opts.ChipID)
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("treemesh-node started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	chipID := identity.ChipID(cfg.ChipID)

	reg := codec.NewRegistry()
	if cb, err := codec.CBOR(); err == nil {
		reg.Register(cb)
	} else {
		zap.L().Warn("cbor codec unavailable", zap.Error(err))
	}
	wire := reg.Get(cfg.Mesh.Codec)
	if wire == nil {
		zap.L().Error("unknown mesh.codec", zap.String("codec", cfg.Mesh.Codec))
		return 1
	}

	kv := memkv.New(memkv.Options{})
	defer kv.Close()
	ps := peers.NewStore(kv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := mesh.New(mesh.Config{
		ChipID:      chipID,
		MeshPort:    cfg.Mesh.Port,
		NodeTimeout: time.Duration(cfg.Mesh.NodeTimeoutMS) * time.Millisecond,
		Codec:       wire,
		Peers:       ps,
		OnReceive: func(from uint32, msg string) {
			zap.L().Info("message received", zap.Uint32("from", from), zap.String("msg", msg))
		},
		OnNewConnection: func(adopted bool) {
			zap.L().Info("connection established", zap.Bool("timeAdopted", adopted))
		},
	})
	if err != nil {
		zap.L().Error("failed to build mesh", zap.Error(err))
		return 1
	}

	eps := make([]transport.Endpoint, 0, len(cfg.Transports))
	for _, tc := range cfg.Transports {
		eps = append(eps, transport.Endpoint{Kind: tc.Kind, Listen: tc.Listen, Dial: tc.Dial})
	}
	stack, err := netstack.Start(ctx, m, eps, transport.Options{
		BackoffInitial: time.Duration(cfg.Net.DialBackoffInitialMS) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Net.DialBackoffMaxMS) * time.Millisecond,
		BackoffJitter:  time.Duration(cfg.Net.DialBackoffJitterMS) * time.Millisecond,
	})
	if err != nil {
		zap.L().Error("failed to start transports", zap.Error(err))
		return 1
	}
	defer stack.Close()

	zap.L().Info("node is running; press Ctrl+C to exit",
		zap.Uint32("chipId", chipID), zap.Int("meshPort", cfg.Mesh.Port))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(cfg.Mesh.TickMS) * time.Millisecond)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ticker.C:
			m.Tick()
			ticks++
			if ticks%statsEvery == 0 {
				st := m.Stats()
				zap.L().Info("mesh stats",
					zap.Int("connections", st.Connections),
					zap.Uint16("reachable", st.Reachable),
					zap.String("nodeTime", fmt.Sprintf("%dus", st.NodeTime)))
			}
		case s := <-sig:
			zap.L().Info("shutting down", zap.String("signal", s.String()))
			return 0
		}
	}
}
