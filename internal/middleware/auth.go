package middleware

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"github.com/mmynk/invoicechain/internal/api"
	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/auth"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// UserIDKey is the context key for storing the authenticated user ID.
	UserIDKey contextKey = "user_id"
	// EmailKey is the context key for storing the authenticated user's email.
	EmailKey contextKey = "email"
	// WalletKey is the context key for the verified wallet, if the token carries one.
	WalletKey contextKey = "wallet"
)

// GetUserID extracts the user ID from the context.
// Returns empty string if not found.
func GetUserID(ctx context.Context) string {
	userID, _ := ctx.Value(UserIDKey).(string)
	return userID
}

// GetEmail extracts the user email from the context.
// Returns empty string if not found.
func GetEmail(ctx context.Context) string {
	email, _ := ctx.Value(EmailKey).(string)
	return email
}

// GetWallet extracts the verified wallet from the context.
// Returns empty string for identity-provider tokens without a wallet.
func GetWallet(ctx context.Context) string {
	wallet, _ := ctx.Value(WalletKey).(string)
	return wallet
}

// WithClaims stores the token claims in ctx.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, claims.UserID)
	ctx = context.WithValue(ctx, EmailKey, claims.Email)
	return context.WithValue(ctx, WalletKey, claims.Wallet)
}

// bearerToken parses an Authorization header value.
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", auth.ErrMissingToken
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", auth.ErrInvalidToken
	}
	return parts[1], nil
}

func authenticate(jwtManager *auth.JWTManager, header string) (*auth.Claims, error) {
	token, err := bearerToken(header)
	if err != nil {
		return nil, err
	}
	return jwtManager.Validate(token)
}

// RequireAuth returns a Connect interceptor that validates JWT tokens and requires authentication.
// It extracts the token from the Authorization header, validates it, and adds
// the user ID, email and wallet to the request context.
func RequireAuth(jwtManager *auth.JWTManager) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			claims, err := authenticate(jwtManager, req.Header().Get("Authorization"))
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}
			return next(WithClaims(ctx, claims), req)
		}
	}
}

// RequireAuthHTTP is the REST counterpart of RequireAuth. Failures are written
// as the JSON error envelope with status 401.
func RequireAuthHTTP(jwtManager *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(jwtManager, r.Header.Get("Authorization"))
			if err != nil {
				api.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// OptionalAuthHTTP validates a token if present, but allows requests without
// one. An invalid token is still rejected.
func OptionalAuthHTTP(jwtManager *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := authenticate(jwtManager, header)
			if err != nil {
				api.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireWallet rejects authenticated requests whose token carries no wallet.
func RequireWallet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetWallet(r.Context()) == "" {
			api.WriteError(w, apperr.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
