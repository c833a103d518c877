package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HTTPProtocol delivers commands over plain HTTP POSTs between known peers.
// Peer endpoints come from configuration; there is no network discovery.
type HTTPProtocol struct {
	protocolBase

	listenAddr string
	boundAddr  string
	client     *http.Client

	peerMu sync.RWMutex
	peers  map[string]string // agent id -> base URL

	srv *http.Server
}

// NewHTTPProtocol creates an HTTP fallback protocol listening on listenAddr
// with a static peer registry.
func NewHTTPProtocol(listenAddr string, peers map[string]string, logger *zap.Logger) *HTTPProtocol {
	p := &HTTPProtocol{
		protocolBase: newProtocolBase("http", logger),
		listenAddr:   listenAddr,
		client:       &http.Client{Timeout: 10 * time.Second},
		peers:        make(map[string]string),
	}
	for id, url := range peers {
		p.peers[id] = url
	}
	return p
}

// Addr returns the bound listen address, available after Initialize.
// Useful when listening on port 0.
func (p *HTTPProtocol) Addr() string {
	return p.boundAddr
}

// RegisterPeer adds or replaces a peer endpoint.
func (p *HTTPProtocol) RegisterPeer(agentID, baseURL string) {
	p.peerMu.Lock()
	p.peers[agentID] = baseURL
	p.peerMu.Unlock()
}

// Initialize starts the HTTP listener. Failure to bind marks the protocol
// failed so the manager skips it.
func (p *HTTPProtocol) Initialize(ctx context.Context) error {
	r := chi.NewRouter()
	r.Post("/fallback/command", p.handleInbound)
	r.Get("/fallback/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": p.Status(),
			"stats":  p.Stats(),
		})
	})

	ln, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		p.setStatus(StatusFailed)
		return fmt.Errorf("bind %s: %w", p.listenAddr, err)
	}

	p.boundAddr = ln.Addr().String()
	p.srv = &http.Server{Handler: r}
	go func() {
		if err := p.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.logger.Error("http protocol server error", zap.Error(err))
			p.setStatus(StatusFailed)
		}
	}()

	p.setStatus(StatusActive)
	p.logger.Info("http protocol listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (p *HTTPProtocol) handleInbound(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		p.recordError()
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}
	p.handleCommand(r.Context(), &msg)
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// Send POSTs the message to the recipient's registered endpoint.
func (p *HTTPProtocol) Send(ctx context.Context, msg *Message) error {
	p.peerMu.RLock()
	endpoint, ok := p.peers[msg.RecipientID]
	p.peerMu.RUnlock()
	if !ok {
		p.recordError()
		return fmt.Errorf("no endpoint registered for %q", msg.RecipientID)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		p.recordError()
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/fallback/command", bytes.NewReader(body))
	if err != nil {
		p.recordError()
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.recordError()
		return fmt.Errorf("post to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.recordError()
		return fmt.Errorf("peer %s returned status %d", msg.RecipientID, resp.StatusCode)
	}

	p.recordSent()
	return nil
}

// StartListening is a no-op; the server listens from Initialize.
func (p *HTTPProtocol) StartListening(ctx context.Context) error { return nil }

// StopListening shuts the server down.
func (p *HTTPProtocol) StopListening(ctx context.Context) error {
	p.setStatus(StatusDisabled)
	if p.srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.srv.Shutdown(shutdownCtx)
}

// HealthCheck passes while the server is active.
func (p *HTTPProtocol) HealthCheck(ctx context.Context) bool {
	return p.Status() == StatusActive
}
