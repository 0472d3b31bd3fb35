package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

const (
	defaultIssueAttempts = 10
	batchConcurrency     = 8
)

type IssueRequest struct {
	OwnerID string `json:"ownerId"`
	Type    Type   `json:"type"`
	// Zero values mean "now" and "now plus the default window for Type".
	ValidFrom time.Time `json:"validFrom,omitempty"`
	ValidTo   time.Time `json:"validTo,omitempty"`
	// Features is merged over the type bundle.
	Features *Features `json:"features,omitempty"`
}

// Issued carries the only copy of the plaintext key the service ever hands
// out unprompted. The caller is expected to deliver it and drop it.
type Issued struct {
	PlaintextKey string
	License      *License
}

type Issuer struct {
	store    Store
	codec    *Codec
	node     *snowflake.Node
	now      func() time.Time
	attempts int
	generate func() (string, error)
}

func NewIssuer(store Store, codec *Codec, node *snowflake.Node, now func() time.Time, attempts int) *Issuer {
	if now == nil {
		now = time.Now
	}
	if attempts <= 0 {
		attempts = defaultIssueAttempts
	}
	return &Issuer{
		store:    store,
		codec:    codec,
		node:     node,
		now:      now,
		attempts: attempts,
		generate: GenerateKey,
	}
}

type mintedKey struct {
	plain, hash, ciphertext string
}

func (i *Issuer) mint() (mintedKey, error) {
	plain, err := i.generate()
	if err != nil {
		return mintedKey{}, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	hash, err := i.codec.Hash(plain)
	if err != nil {
		return mintedKey{}, err
	}
	ct, err := i.codec.Encrypt(plain)
	if err != nil {
		return mintedKey{}, err
	}
	return mintedKey{plain: plain, hash: hash, ciphertext: ct}, nil
}

// Issue mints a license with a key no other license holds. Uniqueness is
// left to the store's constraint; a conflict just means another candidate.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidRequest)
	}
	if !req.Type.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}

	now := i.now().UTC()
	from := req.ValidFrom.UTC()
	if req.ValidFrom.IsZero() {
		from = now
	}
	to := req.ValidTo.UTC()
	if req.ValidTo.IsZero() {
		to = from.Add(defaultWindow(req.Type))
	}
	if !to.After(from) {
		return nil, fmt.Errorf("%w: validTo must be after validFrom", ErrInvalidRequest)
	}

	features := mergeFeatures(FeaturesFor(req.Type), req.Features)

	for attempt := 1; attempt <= i.attempts; attempt++ {
		k, err := i.mint()
		if err != nil {
			return nil, err
		}

		l := &License{
			ID:             i.node.Generate().String(),
			KeyHash:        k.hash,
			KeyCiphertext:  k.ciphertext,
			Type:           req.Type,
			Status:         StatusActive,
			ValidFrom:      from,
			ValidTo:        to,
			OwnerID:        req.OwnerID,
			Features:       datatypes.NewJSONType(features),
			RemainingSyncs: features.DailySyncQuota,
			LastSyncReset:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		err = i.store.InsertUnique(ctx, l)
		if errors.Is(err, ErrConflict) {
			keyCollisionsTotal.Inc()
			zap.L().Warn("license key collision, retrying", zap.Int("attempt", attempt), zap.String("owner_id", req.OwnerID))
			continue
		}
		if err != nil {
			return nil, err
		}

		issuedTotal.WithLabelValues(string(l.Type)).Inc()
		zap.L().Info("license issued",
			zap.String("license_id", l.ID),
			zap.String("owner_id", l.OwnerID),
			zap.String("type", string(l.Type)),
		)
		return &Issued{PlaintextKey: k.plain, License: l}, nil
	}

	zap.L().Error("license key space exhausted", zap.Int("attempts", i.attempts), zap.String("owner_id", req.OwnerID))
	return nil, fmt.Errorf("%w after %d attempts", ErrKeyExhaustion, i.attempts)
}

// IssueBatch issues every request concurrently. It stops at the first
// failure; licenses already written stay written.
func (i *Issuer) IssueBatch(ctx context.Context, reqs []IssueRequest) ([]*Issued, error) {
	out := make([]*Issued, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for idx, req := range reqs {
		idx, req := idx, req
		g.Go(func() error {
			issued, err := i.Issue(gctx, req)
			if err != nil {
				return err
			}
			out[idx] = issued
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Upgrade moves a license to a paid type: new window, new bundle, full
// quota and a fresh key. Upgrading to the current type changes nothing and
// returns no plaintext key. Suspended licenses are refused.
func (i *Issuer) Upgrade(ctx context.Context, id string, t Type) (*Issued, error) {
	if !t.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if !t.Metered() {
		return nil, fmt.Errorf("%w: cannot upgrade to %q", ErrInvalidRequest, t)
	}

	l, err := i.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status == StatusSuspended {
		return nil, ErrSuspended
	}
	if l.Type == t {
		return &Issued{License: l}, nil
	}

	now := i.now().UTC()
	features := FeaturesFor(t)

	for attempt := 1; attempt <= i.attempts; attempt++ {
		k, err := i.mint()
		if err != nil {
			return nil, err
		}

		updated, err := i.store.Rekey(ctx, id, Rekey{
			KeyHash:        k.hash,
			KeyCiphertext:  k.ciphertext,
			Type:           t,
			ValidFrom:      now,
			ValidTo:        now.Add(defaultWindow(t)),
			Features:       features,
			RemainingSyncs: features.DailySyncQuota,
			LastSyncReset:  now,
		})
		if errors.Is(err, ErrConflict) {
			keyCollisionsTotal.Inc()
			continue
		}
		if err != nil {
			return nil, err
		}

		issuedTotal.WithLabelValues(string(t)).Inc()
		zap.L().Info("license upgraded",
			zap.String("license_id", id),
			zap.String("from", string(l.Type)),
			zap.String("to", string(t)),
		)
		return &Issued{PlaintextKey: k.plain, License: updated}, nil
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrKeyExhaustion, i.attempts)
}
