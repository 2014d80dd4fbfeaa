package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/metrics"
	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/storage"
)

// DefaultNonceTTL is how long an issued challenge stays verifiable.
const DefaultNonceTTL = 10 * time.Minute

// Verifier proves wallet ownership with a single-use signed challenge.
// Consumption is delegated to the store's compare-and-set, so two concurrent
// verifications of the same nonce cannot both succeed.
type Verifier struct {
	users   storage.UserStore
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithNonceTTL overrides DefaultNonceTTL. Zero disables expiry.
func WithNonceTTL(ttl time.Duration) VerifierOption {
	return func(v *Verifier) { v.ttl = ttl }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

func WithMetrics(m *metrics.Metrics) VerifierOption {
	return func(v *Verifier) { v.metrics = m }
}

func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

// NewVerifier creates a Verifier over the user store.
func NewVerifier(users storage.UserStore, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		users:  users,
		ttl:    DefaultNonceTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// IssueNonce creates the user if needed and stores a fresh challenge,
// replacing any outstanding one.
func (v *Verifier) IssueNonce(ctx context.Context, wallet string) (string, error) {
	wallet = strings.TrimSpace(wallet)
	if !ValidWallet(wallet) {
		return "", apperr.Invalid("walletAddress", "not a valid address")
	}

	nonce, err := newNonce()
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	user := &models.User{WalletAddress: wallet}
	if err := v.users.UpsertUser(ctx, user); err != nil {
		return "", fmt.Errorf("%w: persist user: %w", apperr.ErrNotFound, err)
	}
	if err := v.users.SetNonce(ctx, wallet, nonce, v.now()); err != nil {
		return "", fmt.Errorf("%w: persist nonce: %w", apperr.ErrNotFound, err)
	}

	v.logger.Debug("Nonce issued", "wallet", user.WalletAddress)
	return nonce, nil
}

// Verify checks signature against the outstanding challenge for wallet and,
// on success, consumes the nonce and returns the verified user.
// A mismatching signature leaves the nonce in place so the client may retry.
func (v *Verifier) Verify(ctx context.Context, wallet, signature string) (*models.User, error) {
	user, err := v.verify(ctx, wallet, signature)
	v.metrics.Verification(verificationResult(err))
	return user, err
}

func (v *Verifier) verify(ctx context.Context, wallet, signature string) (*models.User, error) {
	wallet = strings.TrimSpace(wallet)
	if !ValidWallet(wallet) {
		return nil, apperr.Invalid("walletAddress", "not a valid address")
	}

	user, err := v.users.GetUserByWallet(ctx, wallet)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.ErrNoPendingChallenge
	}
	if err != nil {
		return nil, apperr.Unavailable("load user", err)
	}

	now := v.now()
	if user.Nonce == "" {
		return nil, apperr.ErrNoPendingChallenge
	}
	if v.ttl > 0 && now.Sub(user.NonceIssuedAt) > v.ttl {
		return nil, fmt.Errorf("nonce expired: %w", apperr.ErrNoPendingChallenge)
	}

	signer, err := RecoverSigner(ChallengeMessage(wallet, user.Nonce), signature)
	if err != nil {
		return nil, err
	}
	if !models.SameWallet(signer.Hex(), wallet) {
		v.logger.Info("Signature mismatch", "wallet", user.WalletAddress, "signer", signer.Hex())
		return nil, apperr.ErrSignatureMismatch
	}

	if err := v.users.ConsumeNonce(ctx, wallet, user.Nonce, now); err != nil {
		if errors.Is(err, apperr.ErrNoPendingChallenge) {
			return nil, err
		}
		return nil, apperr.Unavailable("consume nonce", err)
	}

	verified, err := v.users.GetUserByWallet(ctx, wallet)
	if err != nil {
		return nil, apperr.Unavailable("reload user", err)
	}
	v.logger.Info("Wallet verified", "wallet", verified.WalletAddress, "user_id", verified.ID)
	return verified, nil
}

func verificationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrSignatureMismatch):
		return "signature_mismatch"
	case errors.Is(err, apperr.ErrNoPendingChallenge):
		return "no_pending_challenge"
	case errors.Is(err, apperr.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
