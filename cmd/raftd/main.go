// Command raftd runs a single Raft replica: it loads a cluster config, opens
// its durable log, and serves RPCs until terminated.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"raftcore/internal/config"
	"raftcore/internal/raft/fsm"
	raftlog "raftcore/internal/raft/log"
	"raftcore/internal/raft/metrics"
	"raftcore/internal/raft/statemachine"
	"raftcore/internal/raft/transport"
)

func main() {
	configPath := flag.String("config", "", "path to the cluster YAML config")
	bootstrap := flag.Bool("bootstrap", false, "seed a stable configuration from cluster.peers on first start")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("raftd: -config is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("raftd: %v", err)
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		log.Fatalf("raftd: create data dir: %v", err)
	}

	store, err := raftlog.Open(filepath.Join(cfg.Node.DataDir, "raft.db"))
	if err != nil {
		log.Fatalf("raftd: open log storage: %v", err)
	}
	defer store.Close()

	me := fsm.NodeID(cfg.Node.ID)
	var peers []fsm.NodeID
	for _, id := range cfg.OtherIDs() {
		peers = append(peers, fsm.NodeID(id))
	}

	collector := metrics.NewMetrics()
	sm := statemachine.NewKV(cfg.Node.ID)

	initialConfig := fsm.Configuration{}
	if *bootstrap {
		var all []fsm.NodeID
		for id := range cfg.PeerAddrs() {
			all = append(all, fsm.NodeID(id))
		}
		initialConfig = fsm.Configuration{Kind: fsm.ConfigStable, OldServers: all}
	}

	addrsByID := make(map[fsm.NodeID]string, len(cfg.PeerAddrs()))
	for id, addr := range cfg.PeerAddrs() {
		addrsByID[fsm.NodeID(id)] = addr
	}
	client := transport.NewClient(peers, addrsByID, collector)
	defer client.Close()

	node := fsm.NewNode(me, peers, fsm.Options{
		Log:           store,
		Transport:     client,
		StateMachine:  sm,
		Metrics:       collector,
		InitialConfig: initialConfig,
	})

	server, err := transport.Listen(me, cfg.Node.Address, node)
	if err != nil {
		log.Fatalf("raftd: %v", err)
	}

	ctx, cancelRun := context.WithCancel(context.Background())
	go node.Run(ctx)

	go func() {
		if err := server.Serve(); err != nil {
			log.Printf("raftd: gRPC server stopped: %v", err)
		}
	}()

	log.Printf("raftd: node %s listening on %s", cfg.Node.ID, cfg.Node.Address)

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	log.Println("raftd: shutting down")
	server.Stop()
	node.Stop()
	cancelRun()

	report := collector.GetReport(len(peers) + 1)
	report.Print()

	time.Sleep(50 * time.Millisecond)
}
