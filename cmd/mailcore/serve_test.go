package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/mailcore/internal/collaborator"
	"github.com/allaspectsdev/mailcore/internal/config"
	"github.com/allaspectsdev/mailcore/internal/coordinator"
)

type noopTransport struct{}

func (noopTransport) Send(ctx context.Context, model string, messages []collaborator.ChatMessage, bearer string, stream bool) (*collaborator.TransportResult, error) {
	return &collaborator.TransportResult{StatusCode: 200, JSON: &collaborator.ChatResponse{Text: "{}"}}, nil
}

type noopMail struct{}

func (noopMail) ListInboxMessages(ctx context.Context) ([]collaborator.MessageHeader, error) {
	return nil, nil
}
func (noopMail) GetHeader(ctx context.Context, fp string) (collaborator.MessageHeader, error) {
	return collaborator.MessageHeader{}, nil
}
func (noopMail) GetBody(ctx context.Context, fp string) (string, error)      { return "", nil }
func (noopMail) Move(ctx context.Context, fp, dest string) error             { return nil }
func (noopMail) SetTags(ctx context.Context, fp string, tags []string) error { return nil }
func (noopMail) IsSelfSent(ctx context.Context, fp string) (bool, error)     { return false, nil }
func (noopMail) IsReplied(ctx context.Context, fp string) (bool, error)      { return false, nil }

type noopChat struct{}

func (noopChat) IsOpen() bool                                        { return false }
func (noopChat) Open(msg collaborator.PendingProactiveMessage) error { return nil }
func (noopChat) RecentHistory(ctx context.Context) ([]string, error) { return nil, nil }

type noopIdentity struct{}

func (noopIdentity) SignedIn(ctx context.Context) (bool, error)   { return false, nil }
func (noopIdentity) UserName(ctx context.Context) (string, error) { return "", nil }

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	dataDir := filepath.Join(t.TempDir(), "data")
	cfgPath := filepath.Join(t.TempDir(), "mailcore.toml")
	if err := os.WriteFile(cfgPath, []byte("[server]\ndata_dir = \""+dataDir+"\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { config.Load("") })

	cs := coordinator.Collaborators{
		Transport: noopTransport{},
		Mail:      noopMail{},
		Chat:      noopChat{},
		Identity:  noopIdentity{},
		Model:     "test-model",
	}
	coord, err := coordinator.New(cfg, cs, zerolog.Nop())
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	t.Cleanup(func() { coord.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("coord.Start: %v", err)
	}
	return coord
}

func TestStatusServer_ReportsQueueDepth(t *testing.T) {
	coord := newTestCoordinator(t)
	srv := newStatusServer(coord, "127.0.0.1:0")

	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /status body: %v", err)
	}
	if _, ok := body["queue_depth"]; !ok {
		t.Errorf("/status body %v has no queue_depth field", body)
	}
}

func TestStatusServer_Health(t *testing.T) {
	coord := newTestCoordinator(t)
	srv := newStatusServer(coord, "127.0.0.1:0")

	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
