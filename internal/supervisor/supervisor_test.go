package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/unifiedai/agentmesh/internal/discovery"
	"github.com/unifiedai/agentmesh/internal/hsp"
)

func writeAgentScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func TestDiscoveryFiltersBinaries(t *testing.T) {
	dir := t.TempDir()
	writeAgentScript(t, dir, "data_analysis_agent", "sleep 30")
	writeAgentScript(t, dir, "base_agent", "sleep 30")
	writeAgentScript(t, dir, "helper.sh", "true")

	s := New(dir, nil, zap.NewNop())
	agents := s.AvailableAgents()
	if len(agents) != 1 || agents[0] != "data_analysis_agent" {
		t.Fatalf("available agents = %v, want [data_analysis_agent]", agents)
	}
}

func TestLaunchAndShutdown(t *testing.T) {
	dir := t.TempDir()
	writeAgentScript(t, dir, "sleepy_agent", "sleep 30")

	s := New(dir, nil, zap.NewNop())
	pid, err := s.Launch("sleepy_agent")
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d", pid)
	}
	if !s.IsRunning("sleepy_agent") {
		t.Fatal("agent not running after launch")
	}

	// A second launch reuses the running process.
	pid2, err := s.Launch("sleepy_agent")
	if err != nil {
		t.Fatalf("second Launch: %v", err)
	}
	if pid2 != pid {
		t.Errorf("second launch pid = %d, want %d", pid2, pid)
	}

	if err := s.Shutdown("sleepy_agent"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.IsRunning("sleepy_agent") {
		t.Fatal("agent still running after shutdown")
	}
	if err := s.Shutdown("sleepy_agent"); err == nil {
		t.Error("second shutdown should report not running")
	}
}

func TestLaunchUnknownAgent(t *testing.T) {
	s := New(t.TempDir(), nil, zap.NewNop())
	if _, err := s.Launch("ghost_agent"); err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestShutdownAll(t *testing.T) {
	dir := t.TempDir()
	writeAgentScript(t, dir, "one_agent", "sleep 30")
	writeAgentScript(t, dir, "two_agent", "sleep 30")

	s := New(dir, nil, zap.NewNop())
	if _, err := s.Launch("one_agent"); err != nil {
		t.Fatalf("Launch one_agent: %v", err)
	}
	if _, err := s.Launch("two_agent"); err != nil {
		t.Fatalf("Launch two_agent: %v", err)
	}
	s.ShutdownAll()
	if s.IsRunning("one_agent") || s.IsRunning("two_agent") {
		t.Fatal("agents still running after ShutdownAll")
	}
}

type fakeReadiness struct {
	records []discovery.CapabilityRecord
}

func (f *fakeReadiness) GetAllCapabilities() []discovery.CapabilityRecord {
	return f.records
}

func TestWaitForReady(t *testing.T) {
	src := &fakeReadiness{}
	s := New(t.TempDir(), src, zap.NewNop())

	err := s.WaitForReady(context.Background(), "data_analysis_agent", 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout before any advertisement")
	}

	src.records = []discovery.CapabilityRecord{{
		Advertisement: hsp.CapabilityAdvertisementPayload{
			CapabilityID:       "data_analysis_v1",
			AIID:               "did:hsp:data_analysis_agent_1",
			Name:               "Data Analysis",
			AvailabilityStatus: hsp.AvailabilityOnline,
		},
	}}
	if err := s.WaitForReady(context.Background(), "data_analysis_agent", time.Second); err != nil {
		t.Fatalf("WaitForReady after advertisement: %v", err)
	}
}
