// Package checkin is the proactive check-in orchestrator (C10): a single
// state machine that wakes on a significant reminder-list change, runs an
// ordered set of gates, and — if every gate passes — asks the model
// whether the signed-in user should be proactively reached out to.
//
// The ordered gate checks are a short-circuiting slice of predicates,
// the same shape the reference router resolves providers in priority
// order, adapted from "pick a provider" to "pass every gate or abort".
package checkin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/mailcore/internal/collaborator"
	"github.com/allaspectsdev/mailcore/internal/config"
	"github.com/allaspectsdev/mailcore/internal/coreerr"
	"github.com/allaspectsdev/mailcore/internal/debounce"
	"github.com/allaspectsdev/mailcore/internal/kvstore"
	"github.com/allaspectsdev/mailcore/internal/llmgate"
	"github.com/allaspectsdev/mailcore/internal/reminder"
)

const (
	triggerName = "proactive"

	keyReminderHash = "proactiveCheckin_reminderHash"
	keyPending      = "proactiveCheckin_pendingMessage"
	keyLastCheckin  = "proactiveCheckin_lastCheckin"
)

// Result is the recorded outcome of one check-in run.
type Result string

const (
	ResultReachedOut Result = "reached_out"
	ResultNoAction   Result = "no_action"
	ResultError      Result = "error"
	ResultEmpty      Result = "empty"
)

// KBTextFunc supplies the current knowledge base document text.
type KBTextFunc func(ctx context.Context) (string, error)

type lastCheckin struct {
	LastRunMs  int64  `json:"last_run_ms"`
	LastResult Result `json:"last_result"`
}

type reachOutResponse struct {
	ReachOut bool   `json:"reach_out"`
	Message  string `json:"message"`
}

// triggerArgs carries the arming reason through the C8 debounce
// scheduler; the most recently queued reason wins.
type triggerArgs struct {
	reason string
}

func (a triggerArgs) Combine(next debounce.Args) debounce.Args {
	if n, ok := next.(triggerArgs); ok {
		return n
	}
	return a
}

// Orchestrator is the C10 state machine.
type Orchestrator struct {
	store     *kvstore.Store
	reminders *reminder.Aggregator
	llm       *llmgate.Gate
	mail      collaborator.MailClient
	chat      collaborator.ChatWindow
	identity  collaborator.Identity
	kbText    KBTextFunc
	debouncer *debounce.Scheduler
	model     string
	log       zerolog.Logger

	running int32 // atomic bool: a gated/running pass is in flight
}

// New constructs an Orchestrator.
func New(store *kvstore.Store, reminders *reminder.Aggregator, llm *llmgate.Gate, mail collaborator.MailClient, chat collaborator.ChatWindow, identity collaborator.Identity, kbText KBTextFunc, debouncer *debounce.Scheduler, model string, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		reminders: reminders,
		llm:       llm,
		mail:      mail,
		chat:      chat,
		identity:  identity,
		kbText:    kbText,
		debouncer: debouncer,
		model:     model,
		log:       log.With().Str("component", "checkin").Logger(),
	}
}

// Init registers the debounced "proactive" trigger with C8. Must be
// called once before OnInboxUpdated can arm a check-in.
func (o *Orchestrator) Init() {
	cfg := config.Get()
	o.debouncer.Register(triggerName, time.Duration(cfg.Debounce.ProactiveMs)*time.Millisecond, o.onTrigger)
}

// OnInboxUpdated is C9's post-drain hook: it recomputes the
// significant-reminder-change hash and arms the debounced proactive
// trigger only when the hash differs from the last persisted value.
func (o *Orchestrator) OnInboxUpdated() {
	ctx := context.Background()

	kbText, err := o.kbText(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("read kb text failed, skipping reminder-change check")
		return
	}
	result, err := o.reminders.Build(ctx, kbText, reminder.BuildOptions{}, time.Now())
	if err != nil {
		o.log.Warn().Err(err).Msg("build reminders failed, skipping reminder-change check")
		return
	}

	hash := reminder.ContentHash(result.Reminders)
	prevHash, ok, err := o.loadReminderHash(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("read persisted reminder hash failed")
		return
	}
	if ok && prevHash == hash {
		return
	}
	if err := o.saveReminderHash(ctx, hash); err != nil {
		o.log.Warn().Err(err).Msg("persist reminder hash failed")
	}

	o.debouncer.Request(triggerName, triggerArgs{reason: "reminder_change"})
}

func (o *Orchestrator) onTrigger(args debounce.Args) {
	reason := "reminder_change"
	if a, ok := args.(triggerArgs); ok && a.reason != "" {
		reason = a.reason
	}
	o.runGated(context.Background(), reason)
}

type gateCheck struct {
	name string
	pass func() (bool, error)
}

// runGated walks the ordered gate list (§4.10): feature enabled, no
// existing in-flight run, chat window not open, cooldown elapsed, user
// signed in. The first failed gate logs gate_blocked and returns to
// idle without calling the model.
func (o *Orchestrator) runGated(ctx context.Context, reason string) {
	cfg := config.Get()

	gates := []gateCheck{
		{"feature_disabled", func() (bool, error) { return cfg.Notifications.ProactiveEnabled, nil }},
		{"already_running", func() (bool, error) { return atomic.LoadInt32(&o.running) == 0, nil }},
		{"chat_open", func() (bool, error) { return !o.chat.IsOpen(), nil }},
		{"cooldown", func() (bool, error) { return o.cooldownElapsed(ctx, cfg) }},
		{"signed_out", func() (bool, error) { return o.identity.SignedIn(ctx) }},
	}

	for _, g := range gates {
		pass, err := g.pass()
		if err != nil {
			o.log.Info().Err(fmt.Errorf("%s: %w", err, coreerr.ErrGateBlocked)).Str("gate", g.name).Msg("gate_blocked")
			return
		}
		if !pass {
			o.log.Info().Err(coreerr.ErrGateBlocked).Str("gate", g.name).Msg("gate_blocked")
			return
		}
	}

	o.run(ctx, reason)
}

// run performs the gated→running transition: build inputs, call the
// model with tools, parse its strict JSON verdict, and always persist
// last_run_ms/last_result before returning to idle.
func (o *Orchestrator) run(ctx context.Context, reason string) {
	atomic.StoreInt32(&o.running, 1)
	defer atomic.StoreInt32(&o.running, 0)

	userName, err := o.identity.UserName(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("user name lookup failed, proceeding without it")
	}

	kbText, err := o.kbText(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("kb text lookup failed")
		o.finish(ctx, ResultError)
		return
	}

	built, err := o.reminders.Build(ctx, kbText, reminder.BuildOptions{}, time.Now())
	if err != nil {
		o.log.Warn().Err(err).Msg("reminder build failed")
		o.finish(ctx, ResultError)
		return
	}
	if len(built.Reminders) == 0 {
		o.finish(ctx, ResultEmpty)
		return
	}

	history, err := o.chat.RecentHistory(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("chat history lookup failed, proceeding without it")
	}

	idMap := make(map[string]string, len(built.Reminders))
	reminderJSON, err := encodeReminderPayload(built.Reminders, idMap)
	if err != nil {
		o.log.Error().Err(err).Msg("encode reminder payload failed")
		o.finish(ctx, ResultError)
		return
	}

	now := time.Now()
	messages := buildCheckinPrompt(userName, kbText, reminderJSON, history, now, reason)

	onToolCall := func(ctx context.Context, call collaborator.ToolCall) (string, error) {
		return o.runTool(ctx, call, idMap)
	}

	resp, err := o.llm.ChatWithTools(ctx, o.model, messages, onToolCall, llmgate.Options{IgnoreSemaphore: true})
	if err != nil {
		o.log.Warn().Err(err).Msg("check-in LLM call failed")
		o.finish(ctx, ResultError)
		return
	}

	var parsed reachOutResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &parsed); err != nil {
		o.log.Warn().Err(err).Msg("reach-out response did not parse as strict JSON")
		o.finish(ctx, ResultError)
		return
	}

	if !parsed.ReachOut || strings.TrimSpace(parsed.Message) == "" {
		o.finish(ctx, ResultNoAction)
		return
	}

	pending := collaborator.PendingProactiveMessage{
		Message:      parsed.Message,
		ReminderHash: strconv.FormatUint(uint64(reminder.ContentHash(built.Reminders)), 10),
		GeneratedAt:  now,
		IDMapSnap:    idMap,
	}
	if err := o.savePending(ctx, pending); err != nil {
		o.log.Error().Err(err).Msg("persist pending message failed")
		o.finish(ctx, ResultError)
		return
	}
	if err := o.chat.Open(pending); err != nil {
		o.log.Warn().Err(err).Msg("open chat window failed")
	}

	o.finish(ctx, ResultReachedOut)
}

func (o *Orchestrator) finish(ctx context.Context, result Result) {
	rec := lastCheckin{LastRunMs: time.Now().UnixMilli(), LastResult: result}
	if err := o.saveLastCheckin(ctx, rec); err != nil {
		o.log.Error().Err(err).Msg("persist last-checkin state failed")
	}
}

func (o *Orchestrator) runTool(ctx context.Context, call collaborator.ToolCall, idMap map[string]string) (string, error) {
	switch call.Name {
	case "get_message_body":
		id, _ := call.Input["id"].(string)
		fp, ok := idMap[id]
		if !ok {
			return "", fmt.Errorf("checkin: unknown message id %q", id)
		}
		return o.mail.GetBody(ctx, fp)
	default:
		return "", fmt.Errorf("checkin: unsupported tool %q", call.Name)
	}
}

// ConsumePendingProactiveMessage returns the pending message iff its age
// is within the cooldown window, atomically clearing the persisted
// record either way — a stale message is discarded, not re-delivered.
func (o *Orchestrator) ConsumePendingProactiveMessage(ctx context.Context) (*collaborator.PendingProactiveMessage, error) {
	rec, ok, err := o.store.GetOne(ctx, keyPending)
	if err != nil {
		return nil, fmt.Errorf("checkin: read pending message: %w", coreerr.ErrStorage)
	}
	if !ok {
		return nil, nil
	}
	if err := o.store.Remove(ctx, []string{keyPending}); err != nil {
		o.log.Warn().Err(err).Msg("failed to clear consumed pending message")
	}

	var p collaborator.PendingProactiveMessage
	if err := json.Unmarshal(rec.Value, &p); err != nil {
		return nil, nil
	}

	cooldown := time.Duration(config.Get().Checkin.CooldownMs) * time.Millisecond
	if time.Since(p.GeneratedAt) > cooldown {
		return nil, nil
	}
	return &p, nil
}
