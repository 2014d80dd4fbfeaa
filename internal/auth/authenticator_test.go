package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/storage/sqlstore"
)

func newTestVerifier(t *testing.T, opts ...VerifierOption) *Verifier {
	t.Helper()
	store, err := sqlstore.New(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewVerifier(store, opts...)
}

func newWallet(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func sign(t *testing.T, key *ecdsa.PrivateKey, wallet, nonce string) string {
	t.Helper()
	sig, err := SignChallenge(key, ChallengeMessage(wallet, nonce))
	if err != nil {
		t.Fatalf("SignChallenge failed: %v", err)
	}
	return sig
}

func TestChallengeMessage(t *testing.T) {
	got := ChallengeMessage("0xAA01", "abc")
	want := "Verify ownership of 0xAA01\nNonce: abc"
	if got != want {
		t.Errorf("ChallengeMessage = %q, want %q", got, want)
	}
}

func TestRecoverSigner(t *testing.T) {
	key, wallet := newWallet(t)
	sig, err := SignChallenge(key, "hello")
	if err != nil {
		t.Fatalf("SignChallenge failed: %v", err)
	}
	addr, err := RecoverSigner("hello", sig)
	if err != nil {
		t.Fatalf("RecoverSigner failed: %v", err)
	}
	if addr.Hex() != wallet {
		t.Errorf("recovered %s, want %s", addr.Hex(), wallet)
	}

	t.Run("malformed signature", func(t *testing.T) {
		for _, bad := range []string{"", "zz", "0x1234"} {
			if _, err := RecoverSigner("hello", bad); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("RecoverSigner(%q) err = %v, want validation error", bad, err)
			}
		}
	})
}

func TestVerifyScenario(t *testing.T) {
	v := newTestVerifier(t)
	ctx := context.Background()
	key, wallet := newWallet(t)

	nonce, err := v.IssueNonce(ctx, wallet)
	if err != nil {
		t.Fatalf("IssueNonce failed: %v", err)
	}
	if len(nonce) != 32 {
		t.Errorf("nonce length = %d, want 32 hex chars", len(nonce))
	}

	user, err := v.Verify(ctx, wallet, sign(t, key, wallet, nonce))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !user.IsVerified() || user.VerifiedAt == nil {
		t.Errorf("user not verified: %+v", user)
	}
	if user.Nonce != "" {
		t.Errorf("nonce not cleared: %q", user.Nonce)
	}
}

func TestVerifyReplayFails(t *testing.T) {
	v := newTestVerifier(t)
	ctx := context.Background()
	key, wallet := newWallet(t)

	nonce, _ := v.IssueNonce(ctx, wallet)
	sig := sign(t, key, wallet, nonce)

	if _, err := v.Verify(ctx, wallet, sig); err != nil {
		t.Fatalf("first Verify failed: %v", err)
	}
	if _, err := v.Verify(ctx, wallet, sig); !errors.Is(err, apperr.ErrNoPendingChallenge) {
		t.Errorf("replay err = %v, want ErrNoPendingChallenge", err)
	}
}

func TestReissueInvalidatesPreviousNonce(t *testing.T) {
	v := newTestVerifier(t)
	ctx := context.Background()
	key, wallet := newWallet(t)

	first, _ := v.IssueNonce(ctx, wallet)
	second, _ := v.IssueNonce(ctx, wallet)
	if first == second {
		t.Fatal("two nonces should differ")
	}

	if _, err := v.Verify(ctx, wallet, sign(t, key, wallet, first)); !errors.Is(err, apperr.ErrSignatureMismatch) {
		t.Errorf("stale nonce err = %v, want ErrSignatureMismatch", err)
	}
	if _, err := v.Verify(ctx, wallet, sign(t, key, wallet, second)); err != nil {
		t.Errorf("latest nonce should verify: %v", err)
	}
}

func TestMismatchKeepsNonce(t *testing.T) {
	v := newTestVerifier(t)
	ctx := context.Background()
	key, wallet := newWallet(t)
	otherKey, _ := newWallet(t)

	nonce, _ := v.IssueNonce(ctx, wallet)
	if _, err := v.Verify(ctx, wallet, sign(t, otherKey, wallet, nonce)); !errors.Is(err, apperr.ErrSignatureMismatch) {
		t.Fatalf("err = %v, want ErrSignatureMismatch", err)
	}
	if _, err := v.Verify(ctx, wallet, sign(t, key, wallet, nonce)); err != nil {
		t.Errorf("retry after mismatch should succeed: %v", err)
	}
}

func TestVerifyWithoutChallenge(t *testing.T) {
	v := newTestVerifier(t)
	key, wallet := newWallet(t)
	_, err := v.Verify(context.Background(), wallet, sign(t, key, wallet, "never-issued"))
	if !errors.Is(err, apperr.ErrNoPendingChallenge) {
		t.Errorf("err = %v, want ErrNoPendingChallenge", err)
	}
}

func TestNonceExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, WithNonceTTL(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	key, wallet := newWallet(t)

	nonce, _ := v.IssueNonce(ctx, wallet)
	now = now.Add(2 * time.Minute)

	if _, err := v.Verify(ctx, wallet, sign(t, key, wallet, nonce)); !errors.Is(err, apperr.ErrNoPendingChallenge) {
		t.Errorf("err = %v, want ErrNoPendingChallenge", err)
	}
}

func TestConcurrentVerifyHasOneWinner(t *testing.T) {
	v := newTestVerifier(t)
	ctx := context.Background()
	key, wallet := newWallet(t)

	nonce, _ := v.IssueNonce(ctx, wallet)
	sig := sign(t, key, wallet, nonce)

	const racers = 6
	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.Verify(ctx, wallet, sig)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperr.ErrNoPendingChallenge):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func TestIssueNonceRejectsBadWallet(t *testing.T) {
	v := newTestVerifier(t)
	for _, bad := range []string{"", "0x123", "not-a-wallet", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa01"} {
		if _, err := v.IssueNonce(context.Background(), bad); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("IssueNonce(%q) err = %v, want validation error", bad, err)
		}
	}
}
