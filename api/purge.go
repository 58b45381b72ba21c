package api

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/coop-ledger/ledger"
)

var (
	// ErrPurgeNotRequested is returned when confirming with a token that
	// was never issued for this ledger, or was already used.
	ErrPurgeNotRequested = errors.New("purge was not requested")

	// ErrPurgeTokenExpired is returned when the confirmation came too late.
	ErrPurgeTokenExpired = errors.New("purge confirmation expired")

	// ErrResetNotConfirmed is returned when an operation that wipes a
	// cooperative holding data is called without a reset token.
	ErrResetNotConfirmed = errors.New("cooperative holds data: request a reset token first")
)

// ResetScope is the pseudo-ledger a reset token is bound to. It names every
// ledger plus the registries; ParseKind rejects it, so a reset token can
// never confirm a single-ledger purge.
const ResetScope ledger.Kind = "all"

// PurgeConfirmations implements the two-step purge: a first call obtains
// a single-use token bound to one cooperative and one ledger, a second
// call within the TTL presents it. Tokens live in memory only; a restart
// cancels every pending purge.
type PurgeConfirmations struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[string]pendingPurge
}

type pendingPurge struct {
	coop    string
	kind    ledger.Kind
	expires time.Time
}

func NewPurgeConfirmations(ttl time.Duration) *PurgeConfirmations {
	return &PurgeConfirmations{ttl: ttl, now: time.Now, pending: make(map[string]pendingPurge)}
}

// Request issues a token for purging kind in coop.
func (p *PurgeConfirmations) Request(coop string, kind ledger.Kind) (token string, expires time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweepLocked()

	token = uuid.NewString()
	expires = p.now().Add(p.ttl)
	p.pending[token] = pendingPurge{coop: coop, kind: kind, expires: expires}
	return token, expires
}

// Confirm consumes token. It succeeds only for the coop and ledger the
// token was issued for, before it expires.
func (p *PurgeConfirmations) Confirm(coop string, kind ledger.Kind, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	req, ok := p.pending[token]
	if !ok || req.coop != coop || req.kind != kind {
		return ErrPurgeNotRequested
	}
	delete(p.pending, token)
	if p.now().After(req.expires) {
		return ErrPurgeTokenExpired
	}
	return nil
}

func (p *PurgeConfirmations) sweepLocked() {
	now := p.now()
	for token, req := range p.pending {
		if now.After(req.expires) {
			delete(p.pending, token)
		}
	}
}
