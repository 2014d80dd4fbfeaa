package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/auth"
	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/storage"
)

// Caller is the authenticated identity behind a request.
type Caller struct {
	UserID string
	Wallet string
	Email  string
}

// UserService handles profiles and wallet verification.
type UserService struct {
	users      storage.UserStore
	verifier   *auth.Verifier
	jwtManager *auth.JWTManager
	logger     *slog.Logger
}

// NewUserService creates a new user service.
func NewUserService(users storage.UserStore, verifier *auth.Verifier, jwtManager *auth.JWTManager, logger *slog.Logger) *UserService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserService{
		users:      users,
		verifier:   verifier,
		jwtManager: jwtManager,
		logger:     logger,
	}
}

// UpsertProfile creates the user on first contact or updates its linked identity fields.
func (s *UserService) UpsertProfile(ctx context.Context, wallet, name, email, externalID string) (*models.User, error) {
	if !auth.ValidWallet(wallet) {
		return nil, apperr.Invalid("walletAddress", "not a valid address")
	}
	email = strings.TrimSpace(email)
	if email != "" && !strings.Contains(email, "@") {
		return nil, apperr.Invalid("email", "not an email address")
	}

	user := &models.User{
		WalletAddress: wallet,
		Name:          strings.TrimSpace(name),
		Email:         email,
		ExternalID:    strings.TrimSpace(externalID),
	}
	if err := s.users.UpsertUser(ctx, user); err != nil {
		s.logger.Error("Failed to upsert profile", "wallet", wallet, "error", err)
		return nil, err
	}
	s.logger.Info("Profile upserted", "user_id", user.ID, "wallet", user.WalletAddress)
	return user, nil
}

// GetUser returns the user for wallet.
func (s *UserService) GetUser(ctx context.Context, wallet string) (*models.User, error) {
	if !auth.ValidWallet(wallet) {
		return nil, apperr.Invalid("walletAddress", "not a valid address")
	}
	return s.users.GetUserByWallet(ctx, wallet)
}

// IssueNonce starts a verification and returns the nonce with the exact
// message the wallet must sign.
func (s *UserService) IssueNonce(ctx context.Context, wallet string) (nonce, message string, err error) {
	nonce, err = s.verifier.IssueNonce(ctx, wallet)
	if err != nil {
		return "", "", err
	}
	return nonce, auth.ChallengeMessage(strings.TrimSpace(wallet), nonce), nil
}

// Verify consumes the outstanding challenge and returns a session token for the user.
func (s *UserService) Verify(ctx context.Context, wallet, signature string) (*models.User, string, error) {
	user, err := s.verifier.Verify(ctx, wallet, signature)
	if err != nil {
		return nil, "", err
	}
	token, err := s.jwtManager.Generate(user)
	if err != nil {
		s.logger.Error("Failed to generate token", "user_id", user.ID, "error", err)
		return nil, "", err
	}
	return user, token, nil
}
