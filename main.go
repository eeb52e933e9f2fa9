package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/quorumlog/quorumlog/common"
	"github.com/quorumlog/quorumlog/config"
	"github.com/quorumlog/quorumlog/kvstore"
	"github.com/quorumlog/quorumlog/memtable"
	"github.com/quorumlog/quorumlog/metrics"
	"github.com/quorumlog/quorumlog/raft"
	"github.com/quorumlog/quorumlog/raftlog"
	"github.com/quorumlog/quorumlog/rpc"
	"github.com/quorumlog/quorumlog/segment"
	"github.com/quorumlog/quorumlog/wal"
)

func runServer(args []string) {
	flagset := flag.NewFlagSet("server", flag.ExitOnError)
	configFile := flagset.String("config", "", "YAML file containing cluster & configuration details")
	index := flagset.Int("me", -1, "Index of this server in the config file")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if *index < 0 || *index >= len(cfg.Cluster) {
		fmt.Printf("invalid index: %d (config file specified %d servers only)\n", *index, len(cfg.Cluster))
		os.Exit(2)
	}
	me := cfg.Cluster[*index]

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("cannot create data dir", zap.Error(err))
	}

	registry := memtable.NewRegistry()
	rings := metrics.NewRegistry()

	segStore, err := segment.NewStore(
		filepath.Join(cfg.DataDir, fmt.Sprintf("segments-%v.db", me.ID)),
		registry, logger.Named("segment"))
	if err != nil {
		logger.Fatal("cannot open segment store", zap.Error(err))
	}

	sink, err := wal.NewSink(wal.Config{
		Dir:             filepath.Join(cfg.DataDir, "wal"),
		MaxWalSizeBytes: cfg.MaxWalSizeBytes,
	}, registry, segStore, rings.Ring("wal", 64), logger.Named("wal"))
	if err != nil {
		logger.Fatal("cannot start wal sink", zap.Error(err))
	}

	meta, err := raftlog.NewMetaStore(
		filepath.Join(cfg.DataDir, fmt.Sprintf("meta-%v.db", me.ID)))
	if err != nil {
		logger.Fatal("cannot open meta store", zap.Error(err))
	}

	var driver *raft.Driver
	deliver := func(msg common.Message) {
		if driver != nil {
			driver.Enqueue(msg)
		}
	}
	logBackend, err := raftlog.OpenWalLog(me.ID, sink, registry, segStore, meta, deliver, logger.Named("raftlog"))
	if err != nil {
		logger.Fatal("cannot open log facade", zap.Error(err))
	}

	node, err := raft.Init(raft.Config{
		ID:                  me.ID,
		Members:             cfg.Members(),
		Log:                 logBackend,
		Apply:               kvstore.Apply,
		InitialMachineState: kvstore.NewState(),
		RestoreMachineState: kvstore.Restore,
		Logger:              logger.Named("raft"),
	})
	if err != nil {
		logger.Fatal("cannot initialize node", zap.Error(err))
	}

	driver, err = raft.NewDriver(node, logBackend, me, cfg.Cluster, rpc.NewManager(), raft.DriverConfig{
		Broadcast:             cfg.Broadcast,
		AwaitConditionTimeout: cfg.AwaitConditionTimeout,
	}, rings, logger.Named("driver"))
	if err != nil {
		logger.Fatal("cannot start driver", zap.Error(err))
	}

	logger.Info("server running", zap.String("id", me.ID.String()),
		zap.String("address", string(me.NetAddress)))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	if err := driver.Stop(); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	sink.Stop()
	segStore.Close()
}

func runDumpWal(args []string) {
	flagset := flag.NewFlagSet("dump-wal", flag.ExitOnError)
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if flagset.NArg() != 1 {
		fmt.Println("usage: quorumlog dump-wal <file.wal>")
		os.Exit(2)
	}
	if err := wal.Dump(flagset.Arg(0), os.Stdout); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: quorumlog <server|dump-wal> [options]")
		os.Exit(2)
	}
	switch os.Args[1] {
	case "server":
		runServer(os.Args[2:])
	case "dump-wal":
		runDumpWal(os.Args[2:])
	default:
		fmt.Printf("unknown command: %s\n", os.Args[1])
		os.Exit(2)
	}
}
