package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeValidate Mode = "validate"
	ModeSyncing  Mode = "syncing"
)

// ParseMode defaults to validate when s is empty.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeValidate:
		return ModeValidate, nil
	case ModeSyncing:
		return ModeSyncing, nil
	}
	return "", fmt.Errorf("%w: mode must be either %q or %q", ErrInvalidRequest, ModeValidate, ModeSyncing)
}

// Verdict is the outcome of a check. Entitlement failures are reported here,
// never as an error.
type Verdict struct {
	Valid         bool        `json:"valid"`
	Reason        Reason      `json:"reason"`
	Message       string      `json:"message,omitempty"`
	Retryable     bool        `json:"retryable"`
	NextResetTime *time.Time  `json:"nextResetTime,omitempty"`
	License       *Projection `json:"licenseInfo,omitempty"`
}

// RetryAfter is how long a retryable rejection should wait before the same
// request is tried again. It is zero for everything else.
func (v Verdict) RetryAfter(now time.Time) time.Duration {
	if !v.Retryable {
		return 0
	}
	if v.NextResetTime != nil {
		if d := v.NextResetTime.Sub(now); d > time.Second {
			return d
		}
	}
	return time.Second
}

func reject(r Reason) Verdict {
	return Verdict{Reason: r, Message: r.Message(), Retryable: r.Retryable()}
}

// Engine answers validate and sync requests. It keeps no state between
// calls; every mutation goes through the store's guarded updates.
type Engine struct {
	store   Store
	codec   *Codec
	aging   *Aging
	now     func() time.Time
	timeout time.Duration
}

func NewEngine(store Store, codec *Codec, aging *Aging, now func() time.Time, timeout time.Duration) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, codec: codec, aging: aging, now: now, timeout: timeout}
}

// Evaluate runs one request in the given mode. The returned error is only
// set for faults that mean keys cannot be verified at all.
func (e *Engine) Evaluate(ctx context.Context, key, machineID string, mode Mode) (Verdict, error) {
	v, err := e.evaluate(ctx, key, machineID, mode)
	if err != nil {
		validationsTotal.WithLabelValues(string(mode), "ERROR").Inc()
		return Verdict{}, err
	}
	validationsTotal.WithLabelValues(string(mode), string(v.Reason)).Inc()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("license.mode", string(mode)),
		attribute.String("license.reason", string(v.Reason)),
	)
	return v, nil
}

func (e *Engine) evaluate(ctx context.Context, key, machineID string, mode Mode) (Verdict, error) {
	canonical, err := NormalizeKey(key)
	if err != nil {
		return reject(ReasonInvalidKeyFormat), nil
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	hash, err := e.codec.Hash(canonical)
	if err != nil {
		return Verdict{}, err
	}

	l, err := e.store.FindByKeyHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return reject(ReasonInvalidKey), nil
	}
	if err != nil {
		return e.unavailable(err, "lookup")
	}

	opts := []zap.Field{zap.String("license_id", l.ID), zap.String("mode", string(mode))}

	l, err = e.aging.Apply(ctx, l)
	if err != nil {
		return e.unavailable(err, "aging", opts...)
	}

	now := e.now().UTC()
	if r, ok := e.checkWindow(l, now); !ok {
		return reject(r), nil
	}

	if machineID != "" {
		l, err = e.bindMachine(ctx, l, machineID)
		if errors.Is(err, errMachineMismatch) {
			zap.L().With(opts...).Warn("machine mismatch")
			return reject(ReasonMachineMismatch), nil
		}
		if err != nil {
			return e.unavailable(err, "bind machine", opts...)
		}
	}

	if mode == ModeSyncing {
		return e.consume(ctx, l, now, opts...)
	}

	// lastValidatedAt is advisory, a failed stamp does not fail the check.
	if stamped, err := e.store.ApplyDelta(ctx, l.ID, Delta{SetLastValidatedAt: &now}); err != nil {
		zap.L().With(opts...).Warn("failed to stamp last validation", zap.Error(err))
	} else {
		l = stamped
	}

	p := l.Project(now)
	return Verdict{Valid: true, Reason: ReasonOK, License: &p}, nil
}

func (e *Engine) checkWindow(l *License, now time.Time) (Reason, bool) {
	switch {
	case l.Status != StatusActive:
		return ReasonNotActive, false
	case now.After(l.ValidTo):
		return ReasonExpired, false
	case now.Before(l.ValidFrom):
		return ReasonNotYetValid, false
	}
	return ReasonOK, true
}

var errMachineMismatch = errors.New("machine mismatch")

// bindMachine sets machineID on first use. When two first uses race, the
// loser re-reads the record and compares against whatever won.
func (e *Engine) bindMachine(ctx context.Context, l *License, machineID string) (*License, error) {
	if l.MachineID != nil {
		if *l.MachineID != machineID {
			return nil, errMachineMismatch
		}
		return l, nil
	}

	bound, err := e.store.ApplyDelta(ctx, l.ID, Delta{SetMachineID: &machineID})
	if errors.Is(err, ErrPreconditionFailed) {
		fresh, err := e.store.FindByID(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		if fresh.MachineID == nil || *fresh.MachineID != machineID {
			return nil, errMachineMismatch
		}
		return fresh, nil
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("license bound to machine", zap.String("license_id", l.ID))
	return bound, nil
}

func (e *Engine) consume(ctx context.Context, l *License, now time.Time, opts ...zap.Field) (Verdict, error) {
	if !l.SyncAllowed(now) {
		return quotaExhausted(l), nil
	}

	updated, err := e.store.ApplyDelta(ctx, l.ID, Delta{
		DecrementRemainingSyncs: true,
		IncrementTotalUsed:      true,
		SetLastValidatedAt:      &now,
	})
	if errors.Is(err, ErrPreconditionFailed) {
		// Someone else took the last sync, or the record left active meanwhile.
		fresh, err := e.store.FindByID(ctx, l.ID)
		if err != nil {
			return e.unavailable(err, "reload", opts...)
		}
		if fresh.Status != StatusActive {
			return reject(ReasonNotActive), nil
		}
		return quotaExhausted(fresh), nil
	}
	if err != nil {
		return e.unavailable(err, "consume", opts...)
	}

	syncsConsumedTotal.Inc()
	p := updated.Project(now)
	return Verdict{Valid: true, Reason: ReasonOK, License: &p}, nil
}

func quotaExhausted(l *License) Verdict {
	v := reject(ReasonQuotaExhausted)
	next := l.NextResetTime()
	v.NextResetTime = &next
	return v
}

func (e *Engine) unavailable(err error, step string, opts ...zap.Field) (Verdict, error) {
	if !isUnavailable(err) {
		return Verdict{}, err
	}
	zap.L().With(opts...).Error("license store unavailable", zap.String("step", step), zap.Error(err))
	return reject(ReasonServiceUnavailable), nil
}
