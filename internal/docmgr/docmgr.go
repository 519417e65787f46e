// Package docmgr is the glue between the serialized edit chain (C3) and
// the document patcher (C6): it owns the two singleton documents
// (action_rules, user_kb), submits every mutation through the chain for
// the document being touched, and notifies downstream consumers (C7's
// reminder rebuild, C8's debounced KB-reminder trigger) once a patch
// lands.
//
// Per §4.6, the patcher itself is pure; persistence and wake-up live
// here, in the manner the flow description assigns them: "Tag-mutation
// events flow through C3 to patch singleton documents, then wake C7 and
// C8".
package docmgr

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/mailcore/internal/coreerr"
	"github.com/allaspectsdev/mailcore/internal/editchain"
	"github.com/allaspectsdev/mailcore/internal/kvstore"
	"github.com/allaspectsdev/mailcore/internal/patcher"
)

const (
	docActionRules = "action_rules"
	docUserKB      = "user_kb"

	keyUserActionDoc = "user_prompts:user_action.md"
	keyUserKBDoc     = "user_prompts:user_kb.md"
)

// OnChanged is invoked after a document is successfully patched, naming
// the document so the caller can decide which downstream triggers to
// arm (KB edits feed C7/C8; action-rule edits only need C7, since
// reminders are never action-rule-derived).
type OnChanged func(doc string)

// Manager owns the two singleton documents and serializes every patch
// through the per-document edit chain.
type Manager struct {
	store     *kvstore.Store
	chain     *editchain.Manager
	onChanged OnChanged
	log       zerolog.Logger
}

// New constructs a Manager. onChanged may be nil; set one later with
// SetOnChanged.
func New(store *kvstore.Store, chain *editchain.Manager, onChanged OnChanged, log zerolog.Logger) *Manager {
	if onChanged == nil {
		onChanged = func(string) {}
	}
	return &Manager{
		store:     store,
		chain:     chain,
		onChanged: onChanged,
		log:       log.With().Str("component", "docmgr").Logger(),
	}
}

// SetOnChanged replaces the post-patch notification hook.
func (m *Manager) SetOnChanged(onChanged OnChanged) {
	if onChanged == nil {
		onChanged = func(string) {}
	}
	m.onChanged = onChanged
}

// ActionRules returns the current action-rules document text.
func (m *Manager) ActionRules(ctx context.Context) (string, error) {
	return m.readDoc(ctx, keyUserActionDoc)
}

// UserKB returns the current knowledge-base document text.
func (m *Manager) UserKB(ctx context.Context) (string, error) {
	return m.readDoc(ctx, keyUserKBDoc)
}

func (m *Manager) readDoc(ctx context.Context, key string) (string, error) {
	rec, ok, err := m.store.GetOne(ctx, key)
	if err != nil {
		return "", fmt.Errorf("docmgr: read %s: %w", key, coreerr.ErrStorage)
	}
	if !ok {
		return "", nil
	}
	return string(rec.Value), nil
}

// ApplyActionPatch parses and applies patchText against the action
// document, serialized through the action_rules chain.
func (m *Manager) ApplyActionPatch(ctx context.Context, patchText string) error {
	return m.apply(ctx, docActionRules, keyUserActionDoc, patchText, true)
}

// ApplyKBPatch parses and applies patchText against the KB document,
// serialized through the user_kb chain.
func (m *Manager) ApplyKBPatch(ctx context.Context, patchText string) error {
	return m.apply(ctx, docUserKB, keyUserKBDoc, patchText, false)
}

func (m *Manager) apply(ctx context.Context, doc, key, patchText string, isAction bool) error {
	var applyErr error
	submitErr := m.chain.Submit(ctx, doc, func() error {
		current, err := m.readDoc(ctx, key)
		if err != nil {
			applyErr = err
			return err
		}
		next, err := patcher.Apply(current, patchText, isAction)
		if err != nil {
			applyErr = fmt.Errorf("docmgr: apply patch to %s: %w", doc, err)
			return applyErr
		}
		if err := m.store.SetOne(ctx, key, []byte(next), doc); err != nil {
			applyErr = fmt.Errorf("docmgr: persist %s: %w", doc, coreerr.ErrStorage)
			return applyErr
		}
		return nil
	})
	if submitErr != nil {
		return submitErr
	}
	if applyErr != nil {
		return applyErr
	}
	m.onChanged(doc)
	return nil
}
