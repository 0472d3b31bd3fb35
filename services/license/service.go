package license

import (
	"context"
	"errors"
	"time"

	"licensing-controlplane/pkg/config"
	"licensing-controlplane/pkg/db/pagination"
	"licensing-controlplane/pkg/errutil"
	"licensing-controlplane/pkg/featureflags"
	"licensing-controlplane/pkg/lock"
	"licensing-controlplane/pkg/rediskey"
	"licensing-controlplane/pkg/task"
	"licensing-controlplane/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	sweepLockTTL     = 10 * time.Minute
	freeTrialLockTTL = 30 * time.Second

	// FlagFreeTrial switches minting of new free trials on and off. Existing
	// trials are still returned while it is off.
	FlagFreeTrial = "license_free_trial"
)

var tracer = otel.Tracer("licensing-controlplane/services/license")

// Service is the public surface of the licensing core.
type Service struct {
	store    Store
	codec    *Codec
	engine   *Engine
	aging    *Aging
	issuer   *Issuer
	locker   lock.Locker
	enqueuer task.Enqueuer
	flags    featureflags.FeatureFlag
	now      func() time.Time

	sweeps singleflight.Group
}

type Options struct {
	Node           *snowflake.Node
	Locker         lock.Locker
	Enqueuer       task.Enqueuer
	Flags          featureflags.FeatureFlag
	Now            func() time.Time
	RequestTimeout time.Duration
	IssueAttempts  int
}

func New(store Store, codec *Codec, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	aging := NewAging(store, opts.Now)
	return &Service{
		store:    store,
		codec:    codec,
		aging:    aging,
		engine:   NewEngine(store, codec, aging, opts.Now, opts.RequestTimeout),
		issuer:   NewIssuer(store, codec, opts.Node, opts.Now, opts.IssueAttempts),
		locker:   opts.Locker,
		enqueuer: opts.Enqueuer,
		flags:    opts.Flags,
		now:      opts.Now,
	}
}

type ServiceParams struct {
	fx.In

	DB       *gorm.DB
	Config   *config.Config
	Node     *snowflake.Node
	Locker   lock.Locker              `optional:"true"`
	Enqueuer task.Enqueuer            `optional:"true"`
	Flags    featureflags.FeatureFlag `optional:"true"`
}

func NewService(p ServiceParams) (*Service, error) {
	codec, err := NewCodec(CodecConfig{
		Passphrase:  p.Config.License.Passphrase,
		Salt:        p.Config.License.KDFSalt,
		AllowLegacy: p.Config.License.LegacyDecrypt,
	})
	if err != nil {
		zap.L().Error("failed to initialise license codec", zap.Error(err))
		return nil, err
	}

	return New(NewGormStore(p.DB), codec, Options{
		Node:           p.Node,
		Locker:         p.Locker,
		Enqueuer:       p.Enqueuer,
		Flags:          p.Flags,
		RequestTimeout: p.Config.License.RequestTimeout,
		IssueAttempts:  p.Config.License.IssueAttempts,
	}), nil
}

func spanFields(span trace.Span) []zap.Field {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	ctx, span := tracer.Start(ctx, "license.Issue", trace.WithAttributes(attribute.String("license.type", string(req.Type))))
	defer span.End()

	issued, err := s.issuer.Issue(ctx, req)
	if err != nil {
		span.RecordError(err)
		zap.L().With(spanFields(span)...).Error("failed to issue license", zap.String("owner_id", req.OwnerID), zap.Error(err))
		return nil, toServiceError(err)
	}
	return issued, nil
}

func (s *Service) IssueBatch(ctx context.Context, reqs []IssueRequest) ([]*Issued, error) {
	ctx, span := tracer.Start(ctx, "license.IssueBatch", trace.WithAttributes(attribute.Int("license.count", len(reqs))))
	defer span.End()

	out, err := s.issuer.IssueBatch(ctx, reqs)
	if err != nil {
		span.RecordError(err)
		zap.L().With(spanFields(span)...).Error("batch issuance failed", zap.Int("count", len(reqs)), zap.Error(err))
		return nil, toServiceError(err)
	}
	return out, nil
}

// IssueFreeTrial returns the owner's existing free-trial license if there is
// one, with its key recovered for display, and mints one otherwise.
func (s *Service) IssueFreeTrial(ctx context.Context, ownerID string) (*Issued, error) {
	ctx, span := tracer.Start(ctx, "license.IssueFreeTrial")
	defer span.End()

	if ownerID == "" {
		return nil, errutil.BadRequest("ownerId is required", nil)
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, rediskey.BuildFreeTrialLockKey(ownerID), freeTrialLockTTL)
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, errutil.Conflict("free trial request already in progress", err, errutil.WithRetryAfter(freeTrialLockTTL))
		}
		if err != nil {
			// the lock only narrows a race, issuance itself stays correct
			zap.L().With(spanFields(span)...).Warn("free trial lock unavailable", zap.Error(err))
		} else {
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					zap.L().Warn("failed to release free trial lock", zap.Error(err))
				}
			}()
		}
	}

	existing, err := s.store.FindByOwnerAndType(ctx, ownerID, TypeFreeTrial)
	switch {
	case err == nil:
		key, err := s.codec.Decrypt(existing.KeyCiphertext)
		if err != nil {
			zap.L().With(spanFields(span)...).Error("failed to decrypt existing trial key", zap.String("license_id", existing.ID), zap.Error(err))
			return nil, toServiceError(err)
		}
		return &Issued{PlaintextKey: key, License: existing}, nil
	case !errors.Is(err, ErrNotFound):
		return nil, toServiceError(err)
	}

	if s.flags != nil && !s.flags.Enabled(ctx, ownerID, FlagFreeTrial, true) {
		return nil, errutil.Forbidden("free trials are currently disabled", nil)
	}

	issued, err := s.issuer.Issue(ctx, IssueRequest{OwnerID: ownerID, Type: TypeFreeTrial})
	if err != nil {
		return nil, toServiceError(err)
	}
	return issued, nil
}

// Upgrade re-issues the key of an existing license under a new type. When
// the type does not change the current key is returned for display.
func (s *Service) Upgrade(ctx context.Context, id string, t Type) (*Issued, error) {
	ctx, span := tracer.Start(ctx, "license.Upgrade", trace.WithAttributes(attribute.String("license.type", string(t))))
	defer span.End()

	issued, err := s.issuer.Upgrade(ctx, id, t)
	if err != nil {
		span.RecordError(err)
		zap.L().With(spanFields(span)...).Error("failed to upgrade license", zap.String("license_id", id), zap.Error(err))
		return nil, toServiceError(err)
	}
	if issued.PlaintextKey == "" {
		key, err := s.codec.Decrypt(issued.License.KeyCiphertext)
		if err != nil {
			return nil, toServiceError(err)
		}
		issued.PlaintextKey = key
	}
	return issued, nil
}

func (s *Service) Validate(ctx context.Context, key, machineID string) (Verdict, error) {
	return s.Check(ctx, key, machineID, ModeValidate)
}

func (s *Service) Sync(ctx context.Context, key, machineID string) (Verdict, error) {
	return s.Check(ctx, key, machineID, ModeSyncing)
}

func (s *Service) Check(ctx context.Context, key, machineID string, mode Mode) (Verdict, error) {
	ctx, span := tracer.Start(ctx, "license.Check")
	defer span.End()

	v, err := s.engine.Evaluate(ctx, key, machineID, mode)
	if err != nil {
		span.RecordError(err)
		zap.L().With(spanFields(span)...).Error("license check failed", zap.String("mode", string(mode)), zap.Error(err))
		return Verdict{}, toServiceError(err)
	}
	return v, nil
}

// DecryptForDisplay recovers a plaintext key. Authorization is the caller's
// job.
func (s *Service) DecryptForDisplay(ctx context.Context, ciphertext string) (string, error) {
	key, err := s.codec.Decrypt(ciphertext)
	if err != nil {
		zap.L().Error("failed to decrypt license key", zap.String("ciphertext", maskCiphertext(ciphertext)), zap.Error(err))
		return "", toServiceError(err)
	}
	return key, nil
}

// ListByOwner returns one page of an owner's licenses, newest first, with
// keys recovered for display. Records whose key cannot be decrypted are still
// listed, without a key.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, page pagination.Pagination) ([]Projection, *pagination.PageInfo, error) {
	ctx, span := tracer.Start(ctx, "license.ListByOwner")
	defer span.End()

	if ownerID == "" {
		return nil, nil, errutil.BadRequest("ownerId is required", nil)
	}
	after, err := pagination.DecodeCursor(page.Cursor)
	if err != nil {
		return nil, nil, errutil.BadRequest("invalid cursor", err)
	}

	limit := page.Size()
	licenses, err := s.store.ListByOwner(ctx, ownerID, after, limit+1)
	if err != nil {
		return nil, nil, toServiceError(err)
	}
	licenses, info, err := pagination.BuildCursorPageInfo(licenses, limit, func(l License) pagination.Cursor {
		return pagination.Cursor{CreatedAt: l.CreatedAt, ID: l.ID}
	})
	if err != nil {
		return nil, nil, toServiceError(err)
	}

	now := s.now().UTC()
	out := make([]Projection, 0, len(licenses))
	for i := range licenses {
		l := &licenses[i]
		p := l.Project(now)
		key, err := s.codec.Decrypt(l.KeyCiphertext)
		if err != nil {
			zap.L().With(spanFields(span)...).Warn("failed to decrypt license key", zap.String("license_id", l.ID), zap.Error(err))
		} else {
			p.LicenseKey = key
		}
		out = append(out, p)
	}
	return out, info, nil
}

// RunAgingSweep runs one bulk aging pass. Concurrent calls in this process
// share a single pass; across processes the redis lock lets one through and
// the others return an empty result.
//
// The shared pass is detached from the caller: a caller that gives up gets
// its context error back while the pass runs on for everyone else.
func (s *Service) RunAgingSweep(ctx context.Context) (SweepResult, error) {
	ch := s.sweeps.DoChan("sweep", func() (any, error) {
		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sweepLockTTL)
		defer cancel()
		return s.sweepLocked(sweepCtx)
	})

	select {
	case <-ctx.Done():
		return SweepResult{}, errutil.ServiceUnavailable("aging sweep still running", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return SweepResult{}, res.Err
		}
		if res.Shared {
			zap.L().Debug("[Aging] joined in-flight sweep")
		}
		return res.Val.(SweepResult), nil
	}
}

func (s *Service) sweepLocked(ctx context.Context) (SweepResult, error) {
	ctx, span := tracer.Start(ctx, "license.RunAgingSweep")
	defer span.End()

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, rediskey.BuildAgingSweepLockKey(), sweepLockTTL)
		switch {
		case errors.Is(err, lock.ErrNotAcquired):
			zap.L().Info("[Aging] sweep already running on another instance")
			return SweepResult{}, nil
		case err != nil:
			zap.L().With(spanFields(span)...).Warn("[Aging] sweep lock unavailable, running unlocked", zap.Error(err))
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					zap.L().Warn("[Aging] failed to release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	start := time.Now()
	res, err := s.aging.Sweep(ctx)
	span.SetAttributes(
		attribute.Int("license.downgraded", res.Downgraded),
		attribute.Int("license.reset", res.Reset),
	)
	zap.L().With(spanFields(span)...).Info("[Aging] sweep finished",
		zap.Int("downgraded", res.Downgraded),
		zap.Int("reset", res.Reset),
		zap.Duration("took", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		return res, errutil.ServiceUnavailable("aging sweep interrupted", err)
	}
	return res, nil
}

// EnqueueAgingSweep hands the sweep to the worker process.
func (s *Service) EnqueueAgingSweep(ctx context.Context) (string, error) {
	if s.enqueuer == nil {
		return "", errutil.ServiceUnavailable("task queue not configured", nil)
	}
	info, err := s.enqueuer.Enqueue(ctx,
		asynq.NewTask(taskname.LicenseAgingSweep, nil),
		asynq.Queue(task.QueueCritical),
		asynq.MaxRetry(3),
	)
	if err != nil {
		zap.L().Error("failed to enqueue aging sweep", zap.Error(err))
		return "", errutil.ServiceUnavailable("failed to enqueue aging sweep", err)
	}
	return info.ID, nil
}

// HandleAgingSweep is the asynq handler for taskname.LicenseAgingSweep.
func (s *Service) HandleAgingSweep(ctx context.Context, t *asynq.Task) error {
	zap.L().Info("[Task] running aging sweep", zap.String("task_type", t.Type()))
	_, err := s.RunAgingSweep(ctx)
	return err
}

func maskCiphertext(ct string) string {
	if len(ct) <= 8 {
		return "****"
	}
	return ct[:6] + "****" + ct[len(ct)-2:]
}
