package license

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultSweepBatch = 500

// SweepResult counts the records changed by one aging pass.
type SweepResult struct {
	Downgraded int `json:"downgraded"`
	Reset      int `json:"reset"`
}

// Aging holds the two aging rules. Both rules are expressed as guarded
// updates, so running them twice, or from two places at once, changes each
// record at most once.
type Aging struct {
	store     Store
	now       func() time.Time
	batchSize int
}

func NewAging(store Store, now func() time.Time) *Aging {
	if now == nil {
		now = time.Now
	}
	return &Aging{store: store, now: now, batchSize: defaultSweepBatch}
}

// Sweep runs both rules over the whole table. Failures on a batch or a
// single record are logged and skipped; the returned error is only set
// when ctx ends before the pass finishes.
func (a *Aging) Sweep(ctx context.Context) (SweepResult, error) {
	now := a.now().UTC()
	var res SweepResult

	res.Downgraded = a.downgradeFree(ctx, now)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	res.Reset = a.resetQuotas(ctx, now)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	agingChangesTotal.WithLabelValues("downgrade").Add(float64(res.Downgraded))
	agingChangesTotal.WithLabelValues("quota_reset").Add(float64(res.Reset))
	return res, nil
}

func (a *Aging) downgradeFree(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-TrialWindow)
	after := ""
	total := 0

	for ctx.Err() == nil {
		batch, err := a.store.FindExpiredFreeBefore(ctx, cutoff, after, a.batchSize)
		if err != nil {
			zap.L().Error("[Aging] failed to load free licenses", zap.String("after_id", after), zap.Error(err))
			return total
		}
		if len(batch) == 0 {
			break
		}

		ids := make([]string, 0, len(batch))
		for _, l := range batch {
			ids = append(ids, l.ID)
		}
		after = ids[len(ids)-1]

		n, err := a.store.BulkDowngrade(ctx, ids, ReadOnlyFeatures(), cutoff)
		if err != nil {
			zap.L().Error("[Aging] bulk downgrade failed", zap.Int("batch", len(ids)), zap.Error(err))
			continue
		}
		total += int(n)
	}

	if total > 0 {
		zap.L().Info("[Aging] auto-downgraded free licenses", zap.Int("count", total))
	}
	return total
}

func (a *Aging) resetQuotas(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-QuotaWindow)
	after := ""
	total := 0

	for ctx.Err() == nil {
		batch, err := a.store.FindQuotaDueForReset(ctx, cutoff, after, a.batchSize)
		if err != nil {
			zap.L().Error("[Aging] failed to load licenses due for reset", zap.String("after_id", after), zap.Error(err))
			return total
		}
		if len(batch) == 0 {
			break
		}
		after = batch[len(batch)-1].ID

		for _, l := range batch {
			ok, err := a.store.ResetQuota(ctx, l.ID, l.Bundle().DailySyncQuota, cutoff, now)
			if err != nil {
				zap.L().Error("[Aging] quota reset failed", zap.String("license_id", l.ID), zap.Error(err))
				continue
			}
			if ok {
				total++
			}
		}
	}

	if total > 0 {
		zap.L().Info("[Aging] reset daily syncs", zap.Int("count", total))
	}
	return total
}

// Apply runs both rules against a single record and returns the fresh
// state. It is what a validation request does before looking at the
// record, so stale entitlement never leaks into a verdict.
func (a *Aging) Apply(ctx context.Context, l *License) (*License, error) {
	now := a.now().UTC()
	changed := false

	if l.Type == TypeFree && l.Status == StatusActive && l.CreatedAt.Before(now.Add(-TrialWindow)) {
		n, err := a.store.BulkDowngrade(ctx, []string{l.ID}, ReadOnlyFeatures(), now.Add(-TrialWindow))
		if err != nil {
			return nil, err
		}
		if n > 0 {
			agingChangesTotal.WithLabelValues("downgrade").Inc()
			changed = true
		}
	}

	cutoff := now.Add(-QuotaWindow)
	if l.Type.Metered() && l.Status == StatusActive && l.RemainingSyncs == 0 && !l.LastSyncReset.After(cutoff) {
		ok, err := a.store.ResetQuota(ctx, l.ID, l.Bundle().DailySyncQuota, cutoff, now)
		if err != nil {
			return nil, err
		}
		if ok {
			agingChangesTotal.WithLabelValues("quota_reset").Inc()
			changed = true
		}
	}

	if !changed {
		return l, nil
	}
	return a.store.FindByID(ctx, l.ID)
}
