package artifact

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/mailcore/internal/collaborator"
	"github.com/allaspectsdev/mailcore/internal/keygate"
	"github.com/allaspectsdev/mailcore/internal/kvstore"
	"github.com/allaspectsdev/mailcore/internal/llmgate"
	"github.com/allaspectsdev/mailcore/internal/tokenizer"
)

func openTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := kvstore.Open(path, "1.0.0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeMail struct {
	bodies   map[string]string
	selfSent map[string]bool
}

func (f *fakeMail) ListInboxMessages(ctx context.Context) ([]collaborator.MessageHeader, error) {
	return nil, nil
}
func (f *fakeMail) GetHeader(ctx context.Context, fp string) (collaborator.MessageHeader, error) {
	return collaborator.MessageHeader{}, nil
}
func (f *fakeMail) GetBody(ctx context.Context, fp string) (string, error) {
	return f.bodies[fp], nil
}
func (f *fakeMail) Move(ctx context.Context, fp, dest string) error            { return nil }
func (f *fakeMail) SetTags(ctx context.Context, fp string, tags []string) error { return nil }
func (f *fakeMail) IsSelfSent(ctx context.Context, fp string) (bool, error) {
	return f.selfSent[fp], nil
}
func (f *fakeMail) IsReplied(ctx context.Context, fp string) (bool, error) { return false, nil }

type fakeAuth struct{}

func (fakeAuth) AccessToken(ctx context.Context) (string, error)    { return "tok", nil }
func (fakeAuth) Reauthenticate(ctx context.Context) (string, error) { return "tok", nil }
func (fakeAuth) IsAuthError(statusCode int) bool                    { return statusCode == 401 || statusCode == 403 }

type fakePrivacy struct{}

func (fakePrivacy) Blocked() bool { return false }

type scriptedTransport struct {
	text  string
	calls int32
}

func (s *scriptedTransport) Send(ctx context.Context, model string, messages []collaborator.ChatMessage, bearer string, stream bool) (*collaborator.TransportResult, error) {
	atomic.AddInt32(&s.calls, 1)
	return &collaborator.TransportResult{StatusCode: 200, JSON: &collaborator.ChatResponse{Text: s.text}}, nil
}

func newTestPipeline(t *testing.T, mail collaborator.MailClient, llmText string) (*Pipeline, *scriptedTransport) {
	t.Helper()
	store := openTestStore(t)
	keys := keygate.New()
	transport := &scriptedTransport{text: llmText}
	gate := llmgate.New(transport, fakeAuth{}, fakePrivacy{}, nil, 2, 1, time.Millisecond, 10*time.Millisecond, time.Second, zerolog.Nop())
	tok := tokenizer.New()
	p := New(store, keys, gate, tok, mail, "test-model", TTLs{Summary: time.Hour, Action: time.Hour, Reply: time.Hour}, zerolog.Nop())
	return p, transport
}

func header(fp string) collaborator.MessageHeader {
	return collaborator.MessageHeader{MessageID: fp, Folder: "INBOX"}
}

func TestProcessSummary_ParsesAndCaches(t *testing.T) {
	mail := &fakeMail{bodies: map[string]string{"a#INBOX": "please review the attached doc"}}
	resp := "Todos:\nReview doc\nTwo-line summary:\nPlease review the doc.\nReminder due date:\n2030-01-01\nReminder content:\nFollow up on doc review"
	p, transport := newTestPipeline(t, mail, resp)

	s, err := p.ProcessSummary(context.Background(), header("a"))
	if err != nil {
		t.Fatalf("ProcessSummary: %v", err)
	}
	if s.Blurb != "Please review the doc." {
		t.Errorf("Blurb = %q", s.Blurb)
	}
	if s.Reminder == nil || s.Reminder.DueDate != "2030-01-01" {
		t.Errorf("Reminder = %+v", s.Reminder)
	}

	// Second call must be served from cache, not re-invoke the LLM.
	if _, err := p.ProcessSummary(context.Background(), header("a")); err != nil {
		t.Fatalf("second ProcessSummary: %v", err)
	}
	if transport.calls != 1 {
		t.Errorf("transport called %d times, want 1 (cache hit expected)", transport.calls)
	}
}

func TestProcessSummary_NoReminderWhenNone(t *testing.T) {
	mail := &fakeMail{bodies: map[string]string{"a#INBOX": "fyi only"}}
	resp := "Todos:\nnone\nTwo-line summary:\nJust an FYI.\nReminder due date:\nnone\nReminder content:\nnone"
	p, _ := newTestPipeline(t, mail, resp)

	s, err := p.ProcessSummary(context.Background(), header("a"))
	if err != nil {
		t.Fatalf("ProcessSummary: %v", err)
	}
	if s.Reminder != nil {
		t.Errorf("expected no reminder, got %+v", s.Reminder)
	}
}

func TestGetSummary_CacheOnlyMissReturnsNilWithoutComputing(t *testing.T) {
	mail := &fakeMail{bodies: map[string]string{"a#INBOX": "x"}}
	p, transport := newTestPipeline(t, mail, "Two-line summary:\nX.")

	s, err := p.GetSummary(context.Background(), header("a"), GetOptions{CacheOnly: true})
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if s != nil {
		t.Errorf("expected nil on cache-only miss, got %+v", s)
	}
	if transport.calls != 0 {
		t.Errorf("cache-only GetSummary must not invoke the LLM, got %d calls", transport.calls)
	}
}

func TestProcessAction_SelfSentNeverCached(t *testing.T) {
	mail := &fakeMail{
		bodies:   map[string]string{"a#INBOX": "x"},
		selfSent: map[string]bool{"a#INBOX": true},
	}
	p, transport := newTestPipeline(t, mail, "Classification:\narchive\nJustification:\nshould not run")

	a, err := p.ProcessAction(context.Background(), header("a"))
	if err != nil {
		t.Fatalf("ProcessAction: %v", err)
	}
	if a != nil {
		t.Errorf("expected nil Action for self-sent message, got %+v", a)
	}
	if transport.calls != 0 {
		t.Errorf("self-sent message must not invoke the LLM, got %d calls", transport.calls)
	}
}

func TestProcessAction_ParsesClassification(t *testing.T) {
	mail := &fakeMail{bodies: map[string]string{"a#INBOX": "please unsubscribe me"}}
	p, _ := newTestPipeline(t, mail, "Classification:\ndelete\nJustification:\npromotional content")

	a, err := p.ProcessAction(context.Background(), header("a"))
	if err != nil {
		t.Fatalf("ProcessAction: %v", err)
	}
	if a.Classification != ClassifyDelete {
		t.Errorf("Classification = %q, want delete", a.Classification)
	}
	if a.Justification != "promotional content" {
		t.Errorf("Justification = %q", a.Justification)
	}
}

func TestProcessAction_UnrecognizedClassificationIsNotCached(t *testing.T) {
	mail := &fakeMail{bodies: map[string]string{"a#INBOX": "x"}}
	p, _ := newTestPipeline(t, mail, "Classification:\nbogus\nJustification:\nwhatever")

	_, err := p.ProcessAction(context.Background(), header("a"))
	if err == nil {
		t.Fatal("expected parse error for unrecognized classification")
	}
}

func TestProcessReply_SingleFlightPreventsReentrancy(t *testing.T) {
	mail := &fakeMail{bodies: map[string]string{"a#INBOX": "can we meet tomorrow?"}}
	p, _ := newTestPipeline(t, mail, "Sure, tomorrow works.")

	// Manually enter single-flight to simulate an in-flight call, then
	// verify a concurrent ProcessReply for the same fingerprint bails out.
	if !p.tryEnterSingleFlight("a#INBOX") {
		t.Fatal("expected to enter single-flight")
	}
	defer p.leaveSingleFlight("a#INBOX")

	r, err := p.ProcessReply(context.Background(), header("a"))
	if err != nil {
		t.Fatalf("ProcessReply: %v", err)
	}
	if r != nil {
		t.Errorf("expected nil Reply while single-flight held, got %+v", r)
	}
}

func TestProcessReply_CachesBody(t *testing.T) {
	mail := &fakeMail{bodies: map[string]string{"a#INBOX": "can we meet tomorrow?"}}
	p, transport := newTestPipeline(t, mail, "Sure, tomorrow works.")

	r, err := p.ProcessReply(context.Background(), header("a"))
	if err != nil {
		t.Fatalf("ProcessReply: %v", err)
	}
	if r.Body != "Sure, tomorrow works." {
		t.Errorf("Body = %q", r.Body)
	}

	if _, err := p.ProcessReply(context.Background(), header("a")); err != nil {
		t.Fatalf("second ProcessReply: %v", err)
	}
	if transport.calls != 1 {
		t.Errorf("transport called %d times, want 1 (cache hit expected)", transport.calls)
	}
}

func TestCachedReminder_SatisfiesReminderSourceInterface(t *testing.T) {
	mail := &fakeMail{bodies: map[string]string{"a#INBOX": "ping me next week"}}
	resp := "Todos:\nnone\nTwo-line summary:\nPing next week.\nReminder due date:\n2030-05-01\nReminder content:\nPing about the proposal"
	p, _ := newTestPipeline(t, mail, resp)

	if _, err := p.ProcessSummary(context.Background(), header("a")); err != nil {
		t.Fatalf("ProcessSummary: %v", err)
	}

	content, dueDate, _, ok, err := p.CachedReminder(context.Background(), "a#INBOX")
	if err != nil {
		t.Fatalf("CachedReminder: %v", err)
	}
	if !ok || content != "Ping about the proposal" || dueDate != "2030-05-01" {
		t.Errorf("CachedReminder = (%q, %q, ok=%v)", content, dueDate, ok)
	}
}
