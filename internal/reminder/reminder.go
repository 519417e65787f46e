// Package reminder builds the merged reminder list (C7): one pass over
// inbox messages' cached summaries, one pass over the knowledge base's
// own reminder lines, deduplicated disabled-hash bookkeeping, and a
// stable sort.
//
// The KB line regex is compiled once at construction, following the
// reference PII/injection scanners' pattern of precompiling a fixed
// pattern list rather than calling regexp.MustCompile per scan.
package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/mailcore/internal/collaborator"
	"github.com/allaspectsdev/mailcore/internal/coreerr"
	"github.com/allaspectsdev/mailcore/internal/kvstore"
)

// Source distinguishes where a Reminder was extracted from.
type Source string

const (
	SourceMessage Source = "message"
	SourceKB      Source = "kb"
)

// Reminder is a single dated or undated actionable item.
type Reminder struct {
	Content  string
	DueDate  string // YYYY-MM-DD, empty if none
	DueTime  string // HH:MM, empty if none
	Source   Source
	UniqueID string // fingerprint for message-sourced reminders, empty for kb
	Hash     string
	Enabled  bool
}

// Counts summarizes the composition of a built list.
type Counts struct {
	Total    int
	Message  int
	KB       int
	Disabled int
}

// Result is the output of a Build call.
type Result struct {
	Reminders   []Reminder
	Counts      Counts
	GeneratedAt time.Time
}

// MessageReminderSource supplies the reminder embedded in a message's
// cached Summary artifact, if the summary is already cached. It exists
// to avoid an import cycle with the summary-producing component: that
// component's cache-only lookup path satisfies this interface.
type MessageReminderSource interface {
	CachedReminder(ctx context.Context, fingerprint string) (content, dueDate, dueTime string, ok bool, err error)
}

const (
	keyDisabled = "disabled_reminders"
	keyKBList   = "reminder_kb_list"
)

// kbLinePattern matches a single KB reminder line. Compiled once, not
// per scan.
var kbLinePattern = regexp.MustCompile(`(?i)^-\s*Reminder:\s*Due\s+(\d{4}/\d{2}/\d{2}),\s*(.+)$`)

// Aggregator builds and persists the merged reminder list.
type Aggregator struct {
	store    *kvstore.Store
	mail     collaborator.MailClient
	messages MessageReminderSource
	log      zerolog.Logger
}

// New constructs an Aggregator.
func New(store *kvstore.Store, mail collaborator.MailClient, messages MessageReminderSource, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:    store,
		mail:     mail,
		messages: messages,
		log:      log.With().Str("component", "reminder").Logger(),
	}
}

// BuildOptions controls a single Build call.
type BuildOptions struct {
	IncludeDisabled bool
}

// Build scans inbox messages and the knowledge base, merges their
// reminders, prunes orphaned disabled-hash entries, and returns the
// sorted result.
func (a *Aggregator) Build(ctx context.Context, kbText string, opts BuildOptions, now time.Time) (Result, error) {
	disabled, err := a.loadDisabled(ctx)
	if err != nil {
		return Result{}, err
	}

	msgReminders, err := a.scanMessages(ctx)
	if err != nil {
		return Result{}, err
	}

	kbReminders := a.scanKB(kbText, now)

	all := append(msgReminders, kbReminders...)

	live := make(map[string]struct{}, len(all))
	for i := range all {
		all[i].Enabled = !disabled[all[i].Hash]
		live[all[i].Hash] = struct{}{}
	}

	prunedDisabled := make([]string, 0, len(disabled))
	for h := range disabled {
		if _, ok := live[h]; ok {
			prunedDisabled = append(prunedDisabled, h)
		}
	}
	sort.Strings(prunedDisabled)
	if err := a.saveDisabled(ctx, prunedDisabled); err != nil {
		return Result{}, err
	}

	out := all
	if !opts.IncludeDisabled {
		out = make([]Reminder, 0, len(all))
		for _, r := range all {
			if r.Enabled {
				out = append(out, r)
			}
		}
	}

	sortReminders(out)

	counts := Counts{Total: len(all), Message: len(msgReminders), KB: len(kbReminders), Disabled: len(prunedDisabled)}

	if err := a.saveKBList(ctx, out, now); err != nil {
		return Result{}, err
	}

	return Result{Reminders: out, Counts: counts, GeneratedAt: now}, nil
}

// ContentHash returns the stable djb2 hash of a reminder list's sorted
// content+due-date join, used by the proactive check-in orchestrator to
// detect a significant change between consecutive builds.
func ContentHash(rs []Reminder) uint32 {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.DueDate + "|" + r.Content
	}
	sort.Strings(parts)
	return djb2(strings.Join(parts, "\n"))
}

type kbListEntry struct {
	DueDate string `json:"due_date"`
	Content string `json:"content"`
}

type kbListRecord struct {
	Reminders   []kbListEntry `json:"reminders"`
	ContentHash uint32        `json:"contentHash"`
	GeneratedAt time.Time     `json:"generated_at"`
}

func (a *Aggregator) saveKBList(ctx context.Context, rs []Reminder, now time.Time) error {
	entries := make([]kbListEntry, len(rs))
	for i, r := range rs {
		entries[i] = kbListEntry{DueDate: r.DueDate, Content: r.Content}
	}
	rec := kbListRecord{Reminders: entries, ContentHash: ContentHash(rs), GeneratedAt: now}

	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("reminder: encode reminder list: %w", coreerr.ErrStorage)
	}
	if err := a.store.SetOne(ctx, keyKBList, buf, "reminder"); err != nil {
		return fmt.Errorf("reminder: save reminder list: %w", coreerr.ErrStorage)
	}
	return nil
}

// SetEnabled toggles a reminder's disabled-hash membership. Idempotent.
func (a *Aggregator) SetEnabled(ctx context.Context, hash string, enabled bool) error {
	disabled, err := a.loadDisabled(ctx)
	if err != nil {
		return err
	}

	if enabled {
		delete(disabled, hash)
	} else {
		disabled[hash] = true
	}

	list := make([]string, 0, len(disabled))
	for h := range disabled {
		list = append(list, h)
	}
	sort.Strings(list)

	return a.saveDisabled(ctx, list)
}

func (a *Aggregator) scanMessages(ctx context.Context) ([]Reminder, error) {
	headers, err := a.mail.ListInboxMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("reminder: list inbox: %w", err)
	}

	var out []Reminder
	for _, h := range headers {
		fp := h.Fingerprint()

		replied, err := a.mail.IsReplied(ctx, fp)
		if err != nil {
			a.log.Warn().Err(err).Str("fingerprint", fp).Msg("is-replied check failed, skipping")
			continue
		}
		if replied {
			continue
		}

		content, dueDate, dueTime, ok, err := a.messages.CachedReminder(ctx, fp)
		if err != nil {
			a.log.Warn().Err(err).Str("fingerprint", fp).Msg("cached reminder lookup failed, skipping")
			continue
		}
		if !ok || strings.TrimSpace(content) == "" {
			continue
		}

		out = append(out, Reminder{
			Content:  content,
			DueDate:  dueDate,
			DueTime:  dueTime,
			Source:   SourceMessage,
			UniqueID: fp,
			Hash:     "m:" + fp,
		})
	}
	return out, nil
}

func (a *Aggregator) scanKB(kbText string, now time.Time) []Reminder {
	var out []Reminder
	today := now.Format("2006-01-02")

	for _, line := range strings.Split(kbText, "\n") {
		m := kbLinePattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		dueDate := strings.ReplaceAll(m[1], "/", "-")
		content := strings.TrimSpace(m[2])
		if content == "" {
			continue
		}

		if isPastDueByMoreThanOneDay(dueDate, today) {
			continue
		}

		out = append(out, Reminder{
			Content: content,
			DueDate: dueDate,
			Source:  SourceKB,
			Hash:    fmt.Sprintf("k:%d", djb2(content)),
		})
	}
	return out
}

func isPastDueByMoreThanOneDay(dueDate, today string) bool {
	due, err := time.Parse("2006-01-02", dueDate)
	if err != nil {
		return false
	}
	now, err := time.Parse("2006-01-02", today)
	if err != nil {
		return false
	}
	return now.Sub(due) > 24*time.Hour
}

func sortReminders(rs []Reminder) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]

		if (a.DueDate == "") != (b.DueDate == "") {
			return a.DueDate != "" // dated before undated
		}
		if a.DueDate != b.DueDate {
			return a.DueDate < b.DueDate
		}
		if (a.DueTime == "") != (b.DueTime == "") {
			return a.DueTime != "" // explicit time before null time
		}
		return a.DueTime < b.DueTime
	})
}

func (a *Aggregator) loadDisabled(ctx context.Context) (map[string]bool, error) {
	rec, ok, err := a.store.GetOne(ctx, keyDisabled)
	if err != nil {
		return nil, fmt.Errorf("reminder: load disabled set: %w", coreerr.ErrStorage)
	}
	disabled := make(map[string]bool)
	if !ok {
		return disabled, nil
	}
	var hashes []string
	if err := json.Unmarshal(rec.Value, &hashes); err != nil {
		return nil, fmt.Errorf("reminder: decode disabled set: %w", coreerr.ErrStorage)
	}
	for _, h := range hashes {
		disabled[h] = true
	}
	return disabled, nil
}

func (a *Aggregator) saveDisabled(ctx context.Context, hashes []string) error {
	buf, err := json.Marshal(hashes)
	if err != nil {
		return fmt.Errorf("reminder: encode disabled set: %w", coreerr.ErrStorage)
	}
	if err := a.store.SetOne(ctx, keyDisabled, buf, "reminder"); err != nil {
		return fmt.Errorf("reminder: save disabled set: %w", coreerr.ErrStorage)
	}
	return nil
}

// djb2 is the classic Bernstein hash, used verbatim for KB-reminder
// content hashing per the persisted hash key format.
func djb2(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = ((h << 5) + h) + uint32(s[i])
	}
	return h
}
