// Command ipcd is the daemon skeleton for the inter-processor
// communication substrate: it wires the process-wide state object
// (region registry, gate registry, mailbox dispatcher, attach/detach
// orchestrator — §9's "Singletons") for a small fixed cluster and
// brings every configured peer pair up, in one top-level wiring
// function in the style of a service's ServeFS/Serve entry point.
//
// The thin request-response wrapper a production deployment would put
// in front of Attach/Detach/WriteConfig/ReadConfig (§1's explicit
// Non-goal) is not provided; this binary demonstrates the library
// wired end to end and exits cleanly on SIGINT/SIGTERM.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ipcdev/ipc/config"
)

func main() {
	var (
		srOwner    = flag.Int("sr-owner", 1, "core id that owns shared region 0")
		peer       = flag.Int("peer", 2, "core id of the single peer this daemon brings up against the SR-0 owner")
		regionSize = flag.Int("region-size", 1<<20, "bytes to mmap for shared region 0")
		debug      = flag.Bool("debug", false, "log timestamps with microsecond precision")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "ipcd: ", log.LstdFlags|log.Lmicroseconds)
	if !*debug {
		logger.SetFlags(log.LstdFlags)
	}

	cfg, err := config.Parse(os.Getenv("SL_PARAMS"))
	if err != nil {
		logger.Fatalf("parsing SL_PARAMS: %v", err)
	}
	logger.Printf("config: mmu-enabled=%v carveouts=%v", cfg.MMUEnabled, cfg.Carveouts)

	cluster, err := NewCluster(logger, cfg, *srOwner, []int{*srOwner, *peer}, *regionSize)
	if err != nil {
		logger.Fatalf("building cluster: %v", err)
	}
	defer cluster.Close()

	if err := cluster.Link(*srOwner, *peer); err != nil {
		logger.Fatalf("linking core %d and %d: %v", *srOwner, *peer, err)
	}
	if err := cluster.Attach(*srOwner, *peer); err != nil {
		logger.Fatalf("attach: %v", err)
	}
	if err := cluster.Ping(*srOwner, *peer, 0xcafe); err != nil {
		logger.Printf("mailbox ping: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Printf("received %s, detaching", s)

	if err := cluster.Detach(*srOwner, *peer); err != nil {
		logger.Printf("detach: %v", err)
	}
}
