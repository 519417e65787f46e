package checkin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/allaspectsdev/mailcore/internal/collaborator"
	"github.com/allaspectsdev/mailcore/internal/config"
	"github.com/allaspectsdev/mailcore/internal/coreerr"
)

func (o *Orchestrator) loadReminderHash(ctx context.Context) (uint32, bool, error) {
	rec, ok, err := o.store.GetOne(ctx, keyReminderHash)
	if err != nil {
		return 0, false, fmt.Errorf("checkin: read reminder hash: %w", coreerr.ErrStorage)
	}
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(string(rec.Value), 10, 32)
	if err != nil {
		return 0, false, nil
	}
	return uint32(v), true, nil
}

func (o *Orchestrator) saveReminderHash(ctx context.Context, hash uint32) error {
	if err := o.store.SetOne(ctx, keyReminderHash, []byte(strconv.FormatUint(uint64(hash), 10)), "checkin"); err != nil {
		return fmt.Errorf("checkin: persist reminder hash: %w", coreerr.ErrStorage)
	}
	return nil
}

func (o *Orchestrator) loadLastCheckin(ctx context.Context) (lastCheckin, bool, error) {
	rec, ok, err := o.store.GetOne(ctx, keyLastCheckin)
	if err != nil {
		return lastCheckin{}, false, fmt.Errorf("checkin: read last-checkin state: %w", coreerr.ErrStorage)
	}
	if !ok {
		return lastCheckin{}, false, nil
	}
	var lc lastCheckin
	if err := json.Unmarshal(rec.Value, &lc); err != nil {
		return lastCheckin{}, false, nil
	}
	return lc, true, nil
}

func (o *Orchestrator) saveLastCheckin(ctx context.Context, lc lastCheckin) error {
	buf, err := json.Marshal(lc)
	if err != nil {
		return fmt.Errorf("checkin: encode last-checkin state: %w", coreerr.ErrStorage)
	}
	if err := o.store.SetOne(ctx, keyLastCheckin, buf, "checkin"); err != nil {
		return fmt.Errorf("checkin: persist last-checkin state: %w", coreerr.ErrStorage)
	}
	return nil
}

func (o *Orchestrator) cooldownElapsed(ctx context.Context, cfg *config.Config) (bool, error) {
	lc, ok, err := o.loadLastCheckin(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	elapsed := time.Since(time.UnixMilli(lc.LastRunMs))
	return elapsed > time.Duration(cfg.Checkin.CooldownMs)*time.Millisecond, nil
}

func (o *Orchestrator) savePending(ctx context.Context, p collaborator.PendingProactiveMessage) error {
	buf, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("checkin: encode pending message: %w", coreerr.ErrStorage)
	}
	if err := o.store.SetOne(ctx, keyPending, buf, "checkin"); err != nil {
		return fmt.Errorf("checkin: persist pending message: %w", coreerr.ErrStorage)
	}
	return nil
}
