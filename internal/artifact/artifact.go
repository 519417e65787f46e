// Package artifact is the per-message artifact pipeline (C5): summary,
// action classification, and reply drafting, each following the same
// cache-first / single-flight / materialize / call / parse / persist
// contract.
//
// Cache-first reads and the two-tier (fast check, then re-check under a
// permit) shape are grounded on the reference cache middleware's
// ProcessRequest; the reply single-flight set is grounded on the
// reference heartbeat middleware's content-keyed dedup map, adapted from
// a bare sync.Map to a mutex-guarded one because membership-check-and-add
// here must be a single atomic step.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/mailcore/internal/collaborator"
	"github.com/allaspectsdev/mailcore/internal/coreerr"
	"github.com/allaspectsdev/mailcore/internal/keygate"
	"github.com/allaspectsdev/mailcore/internal/kvstore"
	"github.com/allaspectsdev/mailcore/internal/llmgate"
	"github.com/allaspectsdev/mailcore/internal/tokenizer"
)

const (
	kindSummary = "summary"
	kindAction  = "action"
	kindReply   = "reply"

	keyUserActionDoc = "user_prompts:user_action.md"
	keyUserKBDoc     = "user_prompts:user_kb.md"
)

// Classification is an Action artifact's verdict.
type Classification string

const (
	ClassifyReply   Classification = "reply"
	ClassifyArchive Classification = "archive"
	ClassifyDelete  Classification = "delete"
	ClassifyNone    Classification = "none"
)

// Reminder is the optional reminder embedded in a Summary.
type Reminder struct {
	Content string `json:"content"`
	DueDate string `json:"due_date,omitempty"`
	DueTime string `json:"due_time,omitempty"`
}

// Summary is the C5 Summary artifact.
type Summary struct {
	Blurb    string    `json:"blurb"`
	Detailed string    `json:"detailed"`
	Todos    string    `json:"todos"`
	Reminder *Reminder `json:"reminder,omitempty"`
	ID       string    `json:"id"`
}

// Action is the C5 Action artifact.
type Action struct {
	Classification Classification `json:"classification"`
	Justification  string         `json:"justification"`
}

// Reply is the C5 Reply artifact.
type Reply struct {
	Body string `json:"body"`
}

// TTLs configures per-kind purge windows (§4.5).
type TTLs struct {
	Summary time.Duration
	Action  time.Duration
	Reply   time.Duration
}

// GetOptions configures a single GetSummary call.
type GetOptions struct {
	HighPriority bool
	CacheOnly    bool
}

// Pipeline is the artifact processor (C5): one struct shared by all three
// kinds, since the cache-first / single-flight / persist contract is
// identical across them.
type Pipeline struct {
	store *kvstore.Store
	keys  *keygate.Pool
	llm   *llmgate.Gate
	tok   *tokenizer.Tokenizer
	mail  collaborator.MailClient
	model string
	ttl   TTLs
	log   zerolog.Logger

	replyMu       sync.Mutex
	replyInFlight map[string]struct{}
}

// New constructs a Pipeline. model is the LLM model name passed to every
// C4 call this pipeline issues.
func New(store *kvstore.Store, keys *keygate.Pool, llm *llmgate.Gate, tok *tokenizer.Tokenizer, mail collaborator.MailClient, model string, ttl TTLs, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:         store,
		keys:          keys,
		llm:           llm,
		tok:           tok,
		mail:          mail,
		model:         model,
		ttl:           ttl,
		log:           log.With().Str("component", "artifact").Logger(),
		replyInFlight: make(map[string]struct{}),
	}
}

// GetSummary returns the cached Summary for fp, computing it first if
// cacheOnly is false and no cached copy exists. CachedReminder (below)
// implements reminder.MessageReminderSource on top of the cache-only path.
func (p *Pipeline) GetSummary(ctx context.Context, header collaborator.MessageHeader, opts GetOptions) (*Summary, error) {
	fp := header.Fingerprint()

	if s, hit, err := p.readSummaryCache(ctx, fp); err != nil {
		return nil, err
	} else if hit {
		return s, nil
	}

	if opts.CacheOnly {
		return nil, nil
	}

	return p.ProcessSummary(ctx, header)
}

// Invalidate drops every cached artifact (summary, action, reply) for fp,
// so a subsequent Process* call recomputes instead of returning a stale
// cache hit. This is the producer-side invalidation path (§3): a
// user-requested recompute calls this before re-running the pipeline.
func (p *Pipeline) Invalidate(ctx context.Context, fp string) error {
	keys := []string{
		kindSummary + ":" + fp, kindSummary + ":ts:" + fp,
		kindAction + ":" + fp, kindAction + ":ts:" + fp,
		kindReply + ":" + fp, kindReply + ":ts:" + fp,
	}
	if err := p.store.Remove(ctx, keys); err != nil {
		return fmt.Errorf("artifact: invalidate %s: %w", fp, coreerr.ErrStorage)
	}
	return nil
}

// CachedReminder satisfies internal/reminder.MessageReminderSource: a
// cache-only summary lookup that never triggers computation.
func (p *Pipeline) CachedReminder(ctx context.Context, fingerprint string) (content, dueDate, dueTime string, ok bool, err error) {
	s, hit, err := p.readSummaryCache(ctx, fingerprint)
	if err != nil {
		return "", "", "", false, err
	}
	if !hit || s.Reminder == nil || strings.TrimSpace(s.Reminder.Content) == "" {
		return "", "", "", false, nil
	}
	return s.Reminder.Content, s.Reminder.DueDate, s.Reminder.DueTime, true, nil
}

// ProcessSummary computes (or returns the cached) Summary for header,
// following the full cache-first/single-flight/persist contract.
func (p *Pipeline) ProcessSummary(ctx context.Context, header collaborator.MessageHeader) (*Summary, error) {
	fp := header.Fingerprint()

	if s, hit, err := p.readSummaryCache(ctx, fp); err != nil {
		return nil, err
	} else if hit {
		return s, nil
	}

	release, err := p.keys.Acquire(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("artifact: acquire permit: %w", err)
	}
	defer release()

	if s, hit, err := p.readSummaryCache(ctx, fp); err != nil {
		return nil, err
	} else if hit {
		return s, nil
	}

	body, err := p.mail.GetBody(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("artifact: get body: %w", err)
	}
	kbText, err := p.readSingletonDoc(ctx, keyUserKBDoc)
	if err != nil {
		return nil, err
	}

	messages := p.buildSummaryPrompt(header, body, kbText)

	text, err := p.llm.Chat(ctx, p.model, messages, llmgate.Options{})
	if err != nil {
		return nil, fmt.Errorf("artifact: summary LLM call: %w", err)
	}

	summary, err := parseSummaryResponse(text, fp)
	if err != nil {
		p.log.Warn().Err(err).Str("fingerprint", fp).Msg("summary parse failed, not caching")
		return nil, err
	}
	if summary.Reminder != nil && summary.Reminder.DueDate != "" && !validDueDateFormat(summary.Reminder.DueDate) {
		p.log.Warn().Str("fingerprint", fp).Str("due_date", summary.Reminder.DueDate).Msg("reminder due date does not match YYYY-MM-DD, preserving verbatim")
	}

	if err := p.writeArtifact(ctx, kindSummary, fp, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// ProcessAction computes (or returns the cached) Action for header. Per
// §4.5, self-sent messages never produce a cached Action record.
func (p *Pipeline) ProcessAction(ctx context.Context, header collaborator.MessageHeader) (*Action, error) {
	fp := header.Fingerprint()

	selfSent, err := p.mail.IsSelfSent(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("artifact: is-self-sent: %w", err)
	}
	if selfSent {
		return nil, nil
	}

	if a, hit, err := p.readActionCache(ctx, fp); err != nil {
		return nil, err
	} else if hit {
		return a, nil
	}

	release, err := p.keys.Acquire(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("artifact: acquire permit: %w", err)
	}
	defer release()

	if a, hit, err := p.readActionCache(ctx, fp); err != nil {
		return nil, err
	} else if hit {
		return a, nil
	}

	body, err := p.mail.GetBody(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("artifact: get body: %w", err)
	}
	actionDoc, err := p.readSingletonDoc(ctx, keyUserActionDoc)
	if err != nil {
		return nil, err
	}

	messages := p.buildActionPrompt(header, body, actionDoc)

	text, err := p.llm.Chat(ctx, p.model, messages, llmgate.Options{})
	if err != nil {
		return nil, fmt.Errorf("artifact: action LLM call: %w", err)
	}

	action, justification, err := parseActionResponse(text)
	if err != nil {
		p.log.Warn().Err(err).Str("fingerprint", fp).Msg("action parse failed, not caching")
		return nil, err
	}

	if err := p.writeArtifact(ctx, kindAction, fp, action); err != nil {
		return nil, err
	}
	if err := p.store.SetOne(ctx, "action:justification:"+fp, []byte(justification), kindAction); err != nil {
		return nil, fmt.Errorf("artifact: write justification: %w", coreerr.ErrStorage)
	}
	if err := p.store.SetOne(ctx, "action:orig:"+fp, []byte(text), kindAction); err != nil {
		return nil, fmt.Errorf("artifact: write original response: %w", coreerr.ErrStorage)
	}
	if len(messages) > 0 {
		if err := p.store.SetOne(ctx, "action:userprompt:"+fp, []byte(messages[0].Content), kindAction); err != nil {
			return nil, fmt.Errorf("artifact: write user prompt: %w", coreerr.ErrStorage)
		}
	}

	return action, nil
}

// ProcessReply computes (or returns the cached) Reply for header. A
// mutex-guarded in-memory set augments C2 to prevent re-entrancy from UI
// event flurries (§4.5, §5 — a bare sync.Map cannot do the required
// atomic membership-check-and-add in one step).
func (p *Pipeline) ProcessReply(ctx context.Context, header collaborator.MessageHeader) (*Reply, error) {
	fp := header.Fingerprint()

	if r, hit, err := p.readReplyCache(ctx, fp); err != nil {
		return nil, err
	} else if hit {
		return r, nil
	}

	if !p.tryEnterSingleFlight(fp) {
		return nil, nil
	}
	defer p.leaveSingleFlight(fp)

	release, err := p.keys.Acquire(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("artifact: acquire permit: %w", err)
	}
	defer release()

	if r, hit, err := p.readReplyCache(ctx, fp); err != nil {
		return nil, err
	} else if hit {
		return r, nil
	}

	body, err := p.mail.GetBody(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("artifact: get body: %w", err)
	}
	summary, _, err := p.readSummaryCache(ctx, fp)
	if err != nil {
		return nil, err
	}

	messages := p.buildReplyPrompt(header, body, summary)

	text, err := p.llm.Chat(ctx, p.model, messages, llmgate.Options{})
	if err != nil {
		return nil, fmt.Errorf("artifact: reply LLM call: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		p.log.Warn().Str("fingerprint", fp).Msg("reply response empty, not caching")
		return nil, fmt.Errorf("artifact: empty reply response: %w", coreerr.ErrParse)
	}

	reply := &Reply{Body: text}
	if err := p.writeArtifact(ctx, kindReply, fp, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (p *Pipeline) tryEnterSingleFlight(fp string) bool {
	p.replyMu.Lock()
	defer p.replyMu.Unlock()
	if _, inFlight := p.replyInFlight[fp]; inFlight {
		return false
	}
	p.replyInFlight[fp] = struct{}{}
	return true
}

func (p *Pipeline) leaveSingleFlight(fp string) {
	p.replyMu.Lock()
	defer p.replyMu.Unlock()
	delete(p.replyInFlight, fp)
}

func (p *Pipeline) readSummaryCache(ctx context.Context, fp string) (*Summary, bool, error) {
	rec, hit, err := p.readArtifact(ctx, kindSummary, fp)
	if err != nil || !hit {
		return nil, hit, err
	}
	var s Summary
	if err := json.Unmarshal(rec, &s); err != nil {
		return nil, false, fmt.Errorf("artifact: decode cached summary: %w", coreerr.ErrStorage)
	}
	return &s, true, nil
}

func (p *Pipeline) readActionCache(ctx context.Context, fp string) (*Action, bool, error) {
	rec, hit, err := p.readArtifact(ctx, kindAction, fp)
	if err != nil || !hit {
		return nil, hit, err
	}
	var a Action
	if err := json.Unmarshal(rec, &a); err != nil {
		return nil, false, fmt.Errorf("artifact: decode cached action: %w", coreerr.ErrStorage)
	}
	return &a, true, nil
}

func (p *Pipeline) readReplyCache(ctx context.Context, fp string) (*Reply, bool, error) {
	rec, hit, err := p.readArtifact(ctx, kindReply, fp)
	if err != nil || !hit {
		return nil, hit, err
	}
	var r Reply
	if err := json.Unmarshal(rec, &r); err != nil {
		return nil, false, fmt.Errorf("artifact: decode cached reply: %w", coreerr.ErrStorage)
	}
	return &r, true, nil
}

// readArtifact implements the cache-first read contract shared by all
// three kinds: on hit, the meta timestamp is touched (best-effort,
// errors logged not surfaced) and the payload returned.
func (p *Pipeline) readArtifact(ctx context.Context, kind, fp string) ([]byte, bool, error) {
	payloadKey := kind + ":" + fp
	metaKey := kind + ":ts:" + fp

	payload, hasPayload, err := p.store.GetOne(ctx, payloadKey)
	if err != nil {
		return nil, false, fmt.Errorf("artifact: read %s: %w", payloadKey, coreerr.ErrStorage)
	}
	if !hasPayload {
		return nil, false, nil
	}

	_, hasMeta, err := p.store.GetOne(ctx, metaKey)
	if err != nil {
		return nil, false, fmt.Errorf("artifact: read %s: %w", metaKey, coreerr.ErrStorage)
	}
	if !hasMeta {
		// Payload without meta is treated as expired (orphan rule, §4.5).
		return nil, false, nil
	}

	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.Touch(touchCtx, []string{metaKey}); err != nil {
			p.log.Warn().Err(err).Str("key", metaKey).Msg("async touch failed")
		}
	}()

	return payload.Value, true, nil
}

func (p *Pipeline) writeArtifact(ctx context.Context, kind, fp string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("artifact: encode %s: %w", kind, coreerr.ErrStorage)
	}
	now := time.Now()
	values := map[string][]byte{
		kind + ":" + fp:    buf,
		kind + ":ts:" + fp: []byte(fmt.Sprintf("%d", now.UnixMilli())),
	}
	if err := p.store.Set(ctx, values, kind); err != nil {
		return fmt.Errorf("artifact: write %s: %w", kind, coreerr.ErrStorage)
	}
	return nil
}

func (p *Pipeline) readSingletonDoc(ctx context.Context, key string) (string, error) {
	rec, ok, err := p.store.GetOne(ctx, key)
	if err != nil {
		return "", fmt.Errorf("artifact: read %s: %w", key, coreerr.ErrStorage)
	}
	if !ok {
		return "", nil
	}
	return string(rec.Value), nil
}
