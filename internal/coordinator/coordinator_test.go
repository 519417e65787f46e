package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/mailcore/internal/collaborator"
	"github.com/allaspectsdev/mailcore/internal/config"
	"github.com/allaspectsdev/mailcore/internal/procqueue"
)

type fakeMail struct{ bodies map[string]string }

func (f *fakeMail) ListInboxMessages(ctx context.Context) ([]collaborator.MessageHeader, error) {
	return nil, nil
}
func (f *fakeMail) GetHeader(ctx context.Context, fp string) (collaborator.MessageHeader, error) {
	return collaborator.MessageHeader{}, nil
}
func (f *fakeMail) GetBody(ctx context.Context, fp string) (string, error)      { return f.bodies[fp], nil }
func (f *fakeMail) Move(ctx context.Context, fp, dest string) error             { return nil }
func (f *fakeMail) SetTags(ctx context.Context, fp string, tags []string) error { return nil }
func (f *fakeMail) IsSelfSent(ctx context.Context, fp string) (bool, error)     { return false, nil }
func (f *fakeMail) IsReplied(ctx context.Context, fp string) (bool, error)      { return false, nil }

type fakeChat struct{}

func (fakeChat) IsOpen() bool                                        { return false }
func (fakeChat) Open(msg collaborator.PendingProactiveMessage) error { return nil }
func (fakeChat) RecentHistory(ctx context.Context) ([]string, error) { return nil, nil }

type fakeIdentity struct{}

func (fakeIdentity) SignedIn(ctx context.Context) (bool, error)   { return false, nil }
func (fakeIdentity) UserName(ctx context.Context) (string, error) { return "", nil }

type fakeAuth struct{}

func (fakeAuth) AccessToken(ctx context.Context) (string, error)    { return "tok", nil }
func (fakeAuth) Reauthenticate(ctx context.Context) (string, error) { return "tok", nil }
func (fakeAuth) IsAuthError(statusCode int) bool                    { return statusCode == 401 }

type scriptedTransport struct{ text string }

func (s *scriptedTransport) Send(ctx context.Context, model string, messages []collaborator.ChatMessage, bearer string, stream bool) (*collaborator.TransportResult, error) {
	return &collaborator.TransportResult{StatusCode: 200, JSON: &collaborator.ChatResponse{Text: s.text}}, nil
}

func header(fp string) collaborator.MessageHeader {
	return collaborator.MessageHeader{MessageID: fp, Folder: "INBOX"}
}

func newTestCoordinator(t *testing.T, mail *fakeMail, llmText string) *Coordinator {
	t.Helper()
	dataDir := filepath.Join(t.TempDir(), "data")
	cfgPath := filepath.Join(t.TempDir(), "mailcore.toml")
	body := "[server]\ndata_dir = \"" + dataDir + "\"\n[queue]\nworkers = 1\nmax_attempts = 1\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { config.Load("") })

	cs := Collaborators{
		Transport: &scriptedTransport{text: llmText},
		Mail:      mail,
		Chat:      fakeChat{},
		Identity:  fakeIdentity{},
		Auth:      fakeAuth{},
		Model:     "test-model",
	}
	c, err := New(cfg, cs, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c
}

func TestNew_WiresAllComponents(t *testing.T) {
	c := newTestCoordinator(t, &fakeMail{}, `{}`)
	if c.Store == nil || c.Keys == nil || c.Chain == nil || c.Gate == nil || c.Tokenizer == nil ||
		c.Artifact == nil || c.Docs == nil || c.Reminders == nil || c.Debounce == nil ||
		c.Queue == nil || c.Checkin == nil {
		t.Fatal("expected all components to be non-nil after New")
	}
}

func TestStartStop_RunsCleanly(t *testing.T) {
	c := newTestCoordinator(t, &fakeMail{}, `{}`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestQueue_DrainsEnqueuedJob(t *testing.T) {
	mail := &fakeMail{bodies: map[string]string{"a#INBOX": "please review the attached doc"}}
	resp := "Todos:\nnone\nTwo-line summary:\nPlease review the doc.\nReminder due date:\nnone\n" +
		"Reminder content:\nnone\nClassification:\nnone\nJustification:\nNo action needed."
	c := newTestCoordinator(t, mail, resp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := procqueue.Job{Fingerprint: "a#INBOX", Header: header("a#INBOX")}
	if err := c.Queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.Queue.Depth() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Queue.Depth() != 0 {
		t.Fatalf("expected queue to drain, depth = %d", c.Queue.Depth())
	}
}

func TestApplyKBPatch_WritesKBDocument(t *testing.T) {
	c := newTestCoordinator(t, &fakeMail{}, `{}`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := c.Docs.ApplyKBPatch(ctx, "ADD\n- Reminder: Due 2099/01/01, renew the domain."); err != nil {
		t.Fatalf("ApplyKBPatch: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var text string
	for time.Now().Before(deadline) {
		kb, err := c.Docs.UserKB(ctx)
		if err != nil {
			t.Fatalf("UserKB: %v", err)
		}
		text = kb
		if text != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if text == "" {
		t.Fatal("expected KB document to be non-empty after ApplyKBPatch")
	}
}
