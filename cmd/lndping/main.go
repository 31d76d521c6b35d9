package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/outofforest/lnd"
	"github.com/outofforest/lnd/fabric/tcpfabric"
	"github.com/outofforest/lnd/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

type flags struct {
	NID      uint64
	Listen   string
	Peers    []string
	Targets  []uint
	Sizes    []int
	Count    int
	Interval time.Duration
	Checksum bool
}

func main() {
	var cfg flags
	pflag.Uint64Var(&cfg.NID, "nid", 0, "ID of the local node")
	pflag.StringVar(&cfg.Listen, "listen", "localhost:7001", "address to accept fabric connections on")
	pflag.StringSliceVar(&cfg.Peers, "peer", nil, "peer in form <nid>=<address>, may be repeated")
	pflag.UintSliceVar(&cfg.Targets, "ping", nil, "nids of peers to ping")
	pflag.IntSliceVar(&cfg.Sizes, "size", []int{64, 1 << 20}, "payload sizes to ping with")
	pflag.IntVar(&cfg.Count, "count", 10, "number of pings sent to each peer, 0 means serving only")
	pflag.DurationVar(&cfg.Interval, "interval", time.Second, "interval between pings")
	pflag.BoolVar(&cfg.Checksum, "checksum", false, "enable message checksums")
	pflag.Parse()

	log := logger.New(logger.DefaultConfig)
	ctx, cancel := signal.NotifyContext(logger.WithLogger(context.Background(), log), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("lndping failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg flags) error {
	peers, err := parsePeers(cfg.Peers)
	if err != nil {
		return err
	}

	config := lnd.DefaultConfig()
	config.Checksum = cfg.Checksum

	node, err := tcpfabric.New(tcpfabric.Config{
		NID:            wire.NID(cfg.NID),
		Peers:          peers,
		MaxMessageSize: uint64(max(lo.Max(cfg.Sizes), config.MaxMsgSize)) + 1024,
		OutboxSize:     config.NTx,
	})
	if err != nil {
		return err
	}

	ls, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.WithStack(err)
	}
	defer ls.Close()

	router := newPingRouter()
	transport, err := lnd.New(config, node, router)
	if err != nil {
		return err
	}
	router.Attach(ctx, transport)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("fabric", parallel.Fail, func(ctx context.Context) error {
			return node.Run(ctx, ls)
		})
		spawn("transport", parallel.Fail, transport.Run)
		if cfg.Count > 0 && len(cfg.Targets) > 0 {
			spawn("pinger", parallel.Exit, func(ctx context.Context) error {
				return ping(ctx, transport, router, cfg)
			})
		}
		return nil
	})
}

func ping(ctx context.Context, transport *lnd.Transport, router *pingRouter, cfg flags) error {
	log := logger.Get(ctx)

	for _, target := range cfg.Targets {
		if err := transport.Connect(ctx, wire.NID(target)); err != nil {
			return err
		}
		log.Info("Connected", zap.Stringer("peer", wire.NID(target)))
	}

	for i := range cfg.Count {
		for _, target := range cfg.Targets {
			for _, size := range cfg.Sizes {
				rtt, err := router.Ping(ctx, wire.NID(target), size)
				if err != nil {
					log.Error("Ping failed", zap.Stringer("peer", wire.NID(target)), zap.Int("size", size),
						zap.Error(err))
					continue
				}
				log.Info("Pong received", zap.Int("seq", i), zap.Stringer("peer", wire.NID(target)),
					zap.Int("size", size), zap.Duration("rtt", rtt))
			}
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(cfg.Interval):
		}
	}

	stats := transport.Stats()
	log.Info("Done", zap.Uint64("sent", stats.Sent), zap.Uint64("received", stats.Received),
		zap.Uint64("finalized", stats.Finalized))
	return nil
}

func parsePeers(peers []string) (map[wire.NID]string, error) {
	result := make(map[wire.NID]string, len(peers))
	for _, p := range peers {
		nidStr, addr, ok := strings.Cut(p, "=")
		if !ok || addr == "" {
			return nil, errors.Errorf("invalid peer %q, <nid>=<address> expected", p)
		}
		nid, err := strconv.ParseUint(nidStr, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid nid of peer %q", p)
		}
		result[wire.NID(nid)] = addr
	}
	return result, nil
}
