package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/models"
)

var (
	ErrInvalidToken = fmt.Errorf("invalid or expired token: %w", apperr.ErrUnauthorized)
	ErrMissingToken = fmt.Errorf("authorization token required: %w", apperr.ErrUnauthorized)
)

// SessionIssuer is the iss claim of tokens minted after wallet verification.
const SessionIssuer = "invoicechain"

// clockSkew is tolerated on exp and nbf for tokens minted by the identity provider.
const clockSkew = 30 * time.Second

// JWTManager mints session tokens once a wallet is proven and validates bearer
// tokens. Identity-provider tokens share the HS256 secret and usually carry no
// wallet claim.
type JWTManager struct {
	secretKey     []byte
	tokenDuration time.Duration
	parser        *jwt.Parser
}

// Claims of a bearer token. Wallet is empty for identity-provider tokens that
// were never linked to a wallet.
type Claims struct {
	UserID string `json:"user_id"`
	Wallet string `json:"wallet,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Session reports whether the token was minted by this service.
func (c *Claims) Session() bool {
	return c.Issuer == SessionIssuer
}

func NewJWTManager(secretKey string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithLeeway(clockSkew),
		),
	}
}

// Generate mints a session token for a user whose wallet has been verified.
func (m *JWTManager) Generate(user *models.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: user.ID,
		Wallet: models.NormalizeWallet(user.WalletAddress),
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    SessionIssuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate checks signature, algorithm and lifetime and returns the claims.
// user_id falls back to sub, which is where identity providers put it.
func (m *JWTManager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := m.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return m.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	if claims.Wallet != "" {
		if !ValidWallet(claims.Wallet) {
			return nil, fmt.Errorf("%w: malformed wallet claim", ErrInvalidToken)
		}
		claims.Wallet = strings.ToLower(claims.Wallet)
	}
	return claims, nil
}
