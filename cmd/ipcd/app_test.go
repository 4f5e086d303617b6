package main

import (
	"log"
	"testing"

	"github.com/ipcdev/ipc/config"
)

func newTestLogger() *log.Logger {
	return log.New(testWriter{}, "", 0)
}

// testWriter discards log output so tests stay quiet.
type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestClusterAttachPingDetach(t *testing.T) {
	c, err := NewCluster(newTestLogger(), config.Default(), 1, []int{1, 2}, 1<<20)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	defer c.Close()

	if err := c.Link(1, 2); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := c.Attach(1, 2); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := c.Ping(1, 2, 0xbeef); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := c.Detach(1, 2); err != nil {
		t.Fatalf("Detach: %v", err)
	}
}

func TestClusterRejectsUnknownCore(t *testing.T) {
	c, err := NewCluster(newTestLogger(), config.Default(), 1, []int{1, 2}, 1<<20)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	defer c.Close()

	if err := c.Link(1, 99); err == nil {
		t.Fatalf("expected error linking an unconfigured core")
	}
}
