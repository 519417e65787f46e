// Package coordinator assembles all ten components into one owning
// struct and drives their shared lifecycle, in the manner the reference
// daemon's Run function assembles its middleware chain and servers:
// explicit construction order, explicit handles passed down, no
// package-level mutable state anywhere in the tree.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/mailcore/internal/artifact"
	"github.com/allaspectsdev/mailcore/internal/authimpl"
	"github.com/allaspectsdev/mailcore/internal/checkin"
	"github.com/allaspectsdev/mailcore/internal/collaborator"
	"github.com/allaspectsdev/mailcore/internal/config"
	"github.com/allaspectsdev/mailcore/internal/debounce"
	"github.com/allaspectsdev/mailcore/internal/docmgr"
	"github.com/allaspectsdev/mailcore/internal/editchain"
	"github.com/allaspectsdev/mailcore/internal/keygate"
	"github.com/allaspectsdev/mailcore/internal/kvstore"
	"github.com/allaspectsdev/mailcore/internal/llmgate"
	"github.com/allaspectsdev/mailcore/internal/procqueue"
	"github.com/allaspectsdev/mailcore/internal/reminder"
	"github.com/allaspectsdev/mailcore/internal/tokenizer"
)

const (
	triggerKBReminder = "kb_reminder"

	appVersion = "0.1.0"
)

// Collaborators bundles every external interface (§6) the host process
// must supply. LLMTransport, MailClient and ChatWindow have no in-module
// default; Auth falls back to authimpl.KeyStore and Privacy falls back
// to an always-allow stub when left nil.
type Collaborators struct {
	Transport collaborator.LLMTransport
	Mail      collaborator.MailClient
	Chat      collaborator.ChatWindow
	Identity  collaborator.Identity
	Auth      collaborator.Auth
	Privacy   collaborator.Privacy
	Throttle  llmgate.ThrottleHook

	// AuthKeyRef, if Auth is nil, is passed to authimpl.New to resolve
	// the LLM bearer credential from the OS keyring, the keychain, an env
	// var, or a key file.
	AuthKeyRef string

	// Model is the model identifier passed to every Chat/ChatWithTools call.
	Model string
}

type allowAllPrivacy struct{}

func (allowAllPrivacy) Blocked() bool { return false }

// Coordinator owns every component (C1-C10) plus the glue that wires
// document patches (C3+C6) to the reminder/debounce triggers they wake.
type Coordinator struct {
	Store     *kvstore.Store
	Keys      *keygate.Pool
	Chain     *editchain.Manager
	Gate      *llmgate.Gate
	Tokenizer *tokenizer.Tokenizer
	Artifact  *artifact.Pipeline
	Docs      *docmgr.Manager
	Reminders *reminder.Aggregator
	Debounce  *debounce.Scheduler
	Queue     *procqueue.Queue
	Checkin   *checkin.Orchestrator

	log zerolog.Logger

	purgeCancel context.CancelFunc
	wg          sync.WaitGroup
}

// New constructs the Coordinator, wiring components in dependency order:
// store, then the leaf concurrency primitives (C2/C3), then the LLM
// gate (C4), then the artifact pipeline (C5) that depends on it, then
// the document/reminder/debounce layer (C3+C6 glue, C7, C8), then the
// persistent queue (C9) whose stage drives C5, and finally the check-in
// orchestrator (C10) whose trigger the queue's drain hook arms.
func New(cfg *config.Config, cs Collaborators, log zerolog.Logger) (*Coordinator, error) {
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("coordinator: create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.Server.DataDir, "mailcore.db")
	store, err := kvstore.Open(dbPath, appVersion)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open store: %w", err)
	}

	auth := cs.Auth
	if auth == nil {
		auth = authimpl.New(cs.AuthKeyRef)
	}
	privacy := cs.Privacy
	if privacy == nil {
		privacy = allowAllPrivacy{}
	}

	keys := keygate.New()
	chain := editchain.New()

	gateCfg := cfg.Gate
	gate := llmgate.New(
		cs.Transport, auth, privacy, cs.Throttle,
		gateCfg.MaxWorkers, gateCfg.MaxRetries,
		time.Duration(gateCfg.BaseDelayMs)*time.Millisecond,
		time.Duration(gateCfg.MaxDelayMs)*time.Millisecond,
		time.Duration(gateCfg.IdleTimeoutMs)*time.Millisecond,
		log,
	)

	tok := tokenizer.New()

	ttl := artifact.TTLs{
		Summary: time.Duration(cfg.TTL.SummarySeconds) * time.Second,
		Action:  time.Duration(cfg.TTL.ActionSeconds) * time.Second,
		Reply:   time.Duration(cfg.TTL.ReplySeconds) * time.Second,
	}
	pipeline := artifact.New(store, keys, gate, tok, cs.Mail, cs.Model, ttl, log)

	debouncer := debounce.New()
	reminders := reminder.New(store, cs.Mail, pipeline, log)

	docs := docmgr.New(store, chain, nil, log)

	c := &Coordinator{
		Store:     store,
		Keys:      keys,
		Chain:     chain,
		Gate:      gate,
		Tokenizer: tok,
		Artifact:  pipeline,
		Docs:      docs,
		Reminders: reminders,
		Debounce:  debouncer,
		log:       log.With().Str("component", "coordinator").Logger(),
	}
	docs.SetOnChanged(c.onDocChanged)

	kbText := func(ctx context.Context) (string, error) { return docs.UserKB(ctx) }
	ci := checkin.New(store, reminders, gate, cs.Mail, cs.Chat, cs.Identity, kbText, debouncer, cs.Model, log)
	c.Checkin = ci

	stage := func(ctx context.Context, job procqueue.Job) error {
		return c.runStage(ctx, job)
	}
	c.Queue = procqueue.New(store, cfg.Queue.Workers, cfg.Queue.MaxAttempts, stage, ci.OnInboxUpdated, log)

	return c, nil
}

// runStage drives one job through the summary, action, then reply
// stages of the artifact pipeline, in that order, per §4.9. A
// force-recompute request (§3, §6) invalidates any cached artifacts for
// the message first, so the pipeline recomputes instead of returning the
// stale cache hit.
func (c *Coordinator) runStage(ctx context.Context, job procqueue.Job) error {
	if job.ForceRecompute {
		if err := c.Artifact.Invalidate(ctx, job.Fingerprint); err != nil {
			return err
		}
	}
	if _, err := c.Artifact.ProcessSummary(ctx, job.Header); err != nil {
		return err
	}
	if _, err := c.Artifact.ProcessAction(ctx, job.Header); err != nil {
		return err
	}
	if _, err := c.Artifact.ProcessReply(ctx, job.Header); err != nil {
		return err
	}
	return nil
}

// onDocChanged is the C3+C6 "wake C7 and C8" hook: a successful
// document patch re-arms the KB-reminder debounce trigger, which
// rebuilds the reminder list when it fires.
func (c *Coordinator) onDocChanged(doc string) {
	c.Debounce.Request(triggerKBReminder, debounce.NopArgs{})
}

// Start launches the queue's worker pool (recovering any jobs persisted
// by a prior process lifetime), registers the debounced triggers, and
// starts the TTL-purge ticker (§4.5). It must be called once before the
// Coordinator accepts work.
func (c *Coordinator) Start(ctx context.Context) error {
	cfg := config.Get()

	c.Debounce.Register(triggerKBReminder, time.Duration(cfg.Debounce.KBReminderMs)*time.Millisecond, c.onKBReminderTrigger)
	c.Checkin.Init()

	if err := c.Queue.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: start queue: %w", err)
	}

	purgeCtx, cancel := context.WithCancel(ctx)
	c.purgeCancel = cancel
	c.wg.Add(1)
	go c.runPurgeLoop(purgeCtx, time.Duration(cfg.TTL.PurgeInterval)*time.Second)

	return nil
}

func (c *Coordinator) onKBReminderTrigger(args debounce.Args) {
	ctx := context.Background()
	kbText, err := c.Docs.UserKB(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("kb_reminder trigger: read kb text failed")
		return
	}
	if _, err := c.Reminders.Build(ctx, kbText, reminder.BuildOptions{}, time.Now()); err != nil {
		c.log.Warn().Err(err).Msg("kb_reminder trigger: build failed")
		return
	}
	c.Checkin.OnInboxUpdated()
}

func (c *Coordinator) runPurgeLoop(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()

	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.purgeExpired(ctx)
		}
	}
}

func (c *Coordinator) purgeExpired(ctx context.Context) {
	cfg := config.Get()
	now := time.Now().UnixMilli()

	// "summary:" also matches the "summary:ts:" meta rows (and likewise
	// for action/reply); purging both under one prefix is correct since
	// a payload row surviving without its meta row is already treated as
	// expired by the cache-first read path (§4.5's orphan rule).
	purges := []struct {
		prefix  string
		seconds int
	}{
		{"summary:", cfg.TTL.SummarySeconds},
		{"action:", cfg.TTL.ActionSeconds},
		{"reply:", cfg.TTL.ReplySeconds},
	}
	for _, p := range purges {
		cutoff := now - int64(p.seconds)*1000
		if _, err := c.Store.PurgeOlderThanByPrefixes(ctx, []string{p.prefix}, cutoff); err != nil {
			c.log.Warn().Err(err).Str("prefix", p.prefix).Msg("ttl purge failed")
		}
	}
}

// Stop halts the purge ticker and the queue's worker pool, then closes
// the store. Shutdown order mirrors construction in reverse.
func (c *Coordinator) Stop() error {
	if c.purgeCancel != nil {
		c.purgeCancel()
	}
	c.Queue.Stop()
	c.wg.Wait()
	return c.Store.Close()
}
