// Package supervisor manages the lifecycle of specialist agent
// processes: discovery of launchable binaries, launch, readiness
// detection through the capability registry, and shutdown.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unifiedai/agentmesh/internal/discovery"
)

const (
	shutdownGrace     = 5 * time.Second
	readinessInterval = 500 * time.Millisecond
)

// ReadinessSource reports live capabilities, used to detect that a
// launched agent has come up and advertised. Satisfied by
// *discovery.Registry.
type ReadinessSource interface {
	GetAllCapabilities() []discovery.CapabilityRecord
}

type agentProcess struct {
	cmd  *exec.Cmd
	done chan struct{} // closed when the process exits
}

// Supervisor launches and terminates agent subprocesses. Agent binaries
// live in one directory and are named "<something>_agent".
type Supervisor struct {
	logger    *zap.Logger
	agentsDir string
	readiness ReadinessSource // optional
	extraEnv  []string

	mu       sync.Mutex
	binaries map[string]string // agent name -> binary path
	active   map[string]*agentProcess
}

// New creates a supervisor over the given agents directory and scans it
// for launchable binaries.
func New(agentsDir string, readiness ReadinessSource, logger *zap.Logger) *Supervisor {
	s := &Supervisor{
		logger:    logger.With(zap.String("component", "agent_supervisor")),
		agentsDir: agentsDir,
		readiness: readiness,
		binaries:  make(map[string]string),
		active:    make(map[string]*agentProcess),
	}
	s.discoverBinaries()
	return s
}

// SetEnv appends environment entries passed to every launched agent.
func (s *Supervisor) SetEnv(env []string) {
	s.extraEnv = env
}

// discoverBinaries scans the agents directory for files named
// "*_agent", excluding base_agent.
func (s *Supervisor) discoverBinaries() {
	entries, err := os.ReadDir(s.agentsDir)
	if err != nil {
		s.logger.Warn("agents directory not readable",
			zap.String("dir", s.agentsDir), zap.Error(err))
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, "_agent") || name == "base_agent" {
			continue
		}
		s.binaries[name] = filepath.Join(s.agentsDir, name)
	}
	names := make([]string, 0, len(s.binaries))
	for name := range s.binaries {
		names = append(names, name)
	}
	s.logger.Info("discovered agent binaries",
		zap.String("dir", s.agentsDir), zap.Strings("agents", names))
}

// AvailableAgents lists the launchable agent names.
func (s *Supervisor) AvailableAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.binaries))
	for name := range s.binaries {
		out = append(out, name)
	}
	return out
}

// Launch starts the named agent, returning its pid. Launching an agent
// that is already running returns the existing pid.
func (s *Supervisor) Launch(agentName string, args ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	binPath, ok := s.binaries[agentName]
	if !ok {
		return 0, fmt.Errorf("agent %q not found in %s", agentName, s.agentsDir)
	}
	if proc, running := s.active[agentName]; running {
		select {
		case <-proc.done:
			// Exited since last look; relaunch below.
		default:
			pid := proc.cmd.Process.Pid
			s.logger.Info("agent already running",
				zap.String("agent", agentName), zap.Int("pid", pid))
			return pid, nil
		}
	}

	cmd := exec.Command(binPath, args...)
	cmd.Env = append(os.Environ(), s.extraEnv...)
	cmd.Env = append(cmd.Env, "AGENTMESH_AGENT_MODE=subprocess")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("launch agent %q: %w", agentName, err)
	}

	proc := &agentProcess{cmd: cmd, done: make(chan struct{})}
	s.active[agentName] = proc
	go func() {
		cmd.Wait()
		close(proc.done)
	}()

	s.logger.Info("agent launched",
		zap.String("agent", agentName), zap.Int("pid", cmd.Process.Pid))
	return cmd.Process.Pid, nil
}

// IsRunning reports whether the named agent process is alive.
func (s *Supervisor) IsRunning(agentName string) bool {
	s.mu.Lock()
	proc, ok := s.active[agentName]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-proc.done:
		return false
	default:
		return true
	}
}

// Shutdown terminates the named agent: SIGTERM, a grace period, then
// SIGKILL if it is still up.
func (s *Supervisor) Shutdown(agentName string) error {
	s.mu.Lock()
	proc, ok := s.active[agentName]
	if ok {
		delete(s.active, agentName)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("agent %q not running", agentName)
	}
	select {
	case <-proc.done:
		s.logger.Info("agent already exited", zap.String("agent", agentName))
		return nil
	default:
	}

	pid := proc.cmd.Process.Pid
	s.logger.Info("shutting down agent",
		zap.String("agent", agentName), zap.Int("pid", pid))
	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal agent %q: %w", agentName, err)
	}

	select {
	case <-proc.done:
		s.logger.Info("agent terminated", zap.String("agent", agentName))
	case <-time.After(shutdownGrace):
		s.logger.Warn("agent did not terminate gracefully, killing",
			zap.String("agent", agentName))
		proc.cmd.Process.Kill()
		<-proc.done
	}
	return nil
}

// ShutdownAll terminates every active agent.
func (s *Supervisor) ShutdownAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.active))
	for name := range s.active {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := s.Shutdown(name); err != nil {
			s.logger.Warn("agent shutdown failed",
				zap.String("agent", name), zap.Error(err))
		}
	}
}

// WaitForReady polls the capability registry until the agent advertises,
// or the timeout passes. An agent counts as ready once any capability
// names it as the offering agent or carries its name prefix.
func (s *Supervisor) WaitForReady(ctx context.Context, agentName string, timeout time.Duration) error {
	if s.readiness == nil {
		return fmt.Errorf("no readiness source configured")
	}

	prefix := strings.TrimSuffix(agentName, "_agent")
	deadline := time.Now().Add(timeout)
	for {
		if s.agentAdvertised(agentName, prefix) {
			s.logger.Info("agent ready", zap.String("agent", agentName))
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessInterval):
		}
	}

	// Broaden the query for the log so the operator can see what did
	// register while we waited.
	all := s.readiness.GetAllCapabilities()
	ids := make([]string, 0, len(all))
	for _, rec := range all {
		ids = append(ids, rec.Advertisement.CapabilityID)
	}
	s.logger.Warn("agent not ready within timeout",
		zap.String("agent", agentName),
		zap.Duration("timeout", timeout),
		zap.Strings("known_capabilities", ids))
	return fmt.Errorf("agent %q not ready within %s", agentName, timeout)
}

func (s *Supervisor) agentAdvertised(agentName, prefix string) bool {
	for _, rec := range s.readiness.GetAllCapabilities() {
		adv := rec.Advertisement
		if strings.Contains(adv.AIID, agentName) || strings.HasPrefix(adv.CapabilityID, prefix) {
			return true
		}
	}
	return false
}
