package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const filePollInterval = 500 * time.Millisecond

// FileProtocol delivers commands through per-agent mailbox directories:
// Send writes a JSON file into the recipient's inbox, the listener polls
// the local inbox and removes files after handling. Writes go through a
// temp file and rename so a reader never sees a partial message.
type FileProtocol struct {
	protocolBase

	basePath string
	selfID   string

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFileProtocol creates a filesystem-mailbox protocol rooted at basePath.
func NewFileProtocol(basePath, selfID string, logger *zap.Logger) *FileProtocol {
	return &FileProtocol{
		protocolBase: newProtocolBase("file", logger),
		basePath:     basePath,
		selfID:       selfID,
	}
}

func (p *FileProtocol) inboxDir(agentID string) string {
	return filepath.Join(p.basePath, agentID, "inbox")
}

// Initialize creates the local inbox directory.
func (p *FileProtocol) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(p.inboxDir(p.selfID), 0o755); err != nil {
		p.setStatus(StatusFailed)
		return fmt.Errorf("create mailbox %s: %w", p.inboxDir(p.selfID), err)
	}
	p.setStatus(StatusActive)
	p.logger.Info("file protocol initialized", zap.String("base", p.basePath))
	return nil
}

// Send writes the message into the recipient's inbox.
func (p *FileProtocol) Send(ctx context.Context, msg *Message) error {
	dir := p.inboxDir(msg.RecipientID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.recordError()
		return fmt.Errorf("create recipient inbox: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		p.recordError()
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		p.recordError()
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		p.recordError()
		return fmt.Errorf("write message %s: %w", msg.ID, err)
	}
	tmp.Close()

	final := filepath.Join(dir, fmt.Sprintf("%s_%d.json", msg.ID, time.Now().UnixNano()))
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		p.recordError()
		return fmt.Errorf("publish message %s: %w", msg.ID, err)
	}

	p.recordSent()
	p.logger.Debug("command written", zap.String("file", final))
	return nil
}

// StartListening launches the inbox polling loop.
func (p *FileProtocol) StartListening(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(filePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.drainInbox(runCtx)
			}
		}
	}()
	return nil
}

func (p *FileProtocol) drainInbox(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(p.inboxDir(p.selfID), "*.json"))
	if err != nil {
		p.logger.Error("inbox scan failed", zap.Error(err))
		return
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			// Likely claimed by a concurrent reader.
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn("dropping malformed mailbox file",
				zap.String("file", path), zap.Error(err))
			os.Remove(path)
			p.recordError()
			continue
		}
		os.Remove(path)
		p.handleCommand(ctx, &msg)
	}
}

// StopListening stops the polling loop.
func (p *FileProtocol) StopListening(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.setStatus(StatusDisabled)
	return nil
}

// HealthCheck verifies the local inbox still exists.
func (p *FileProtocol) HealthCheck(ctx context.Context) bool {
	if p.Status() != StatusActive {
		return false
	}
	info, err := os.Stat(p.inboxDir(p.selfID))
	return err == nil && info.IsDir()
}
