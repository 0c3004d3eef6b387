package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/papertrade-lab/papertrade/pkg/errors"
)

// tokenTTL is how long issued tokens stay valid.
const tokenTTL = 24 * time.Hour

// TokenService signs and verifies the HS256 bearer tokens the API issues.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a token service with the given signing secret.
func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// Claims carry the authenticated identity through a request.
type Claims struct {
	UserID      uuid.UUID `json:"user_id"`
	PortfolioID uuid.UUID `json:"portfolio_id"`
	jwt.RegisteredClaims
}

// Sign issues a token for the user and their portfolio.
func (s *TokenService) Sign(userID, portfolioID uuid.UUID) (string, error) {
	claims := Claims{
		UserID:      userID,
		PortfolioID: portfolioID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInternal, "failed to sign token", err)
	}

	return signed, nil
}

// Parse verifies the token signature and expiry and returns its claims.
func (s *TokenService) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf(errors.ErrCodeTokenInvalid, "unexpected signing method %v", t.Header["alg"])
		}

		return s.secret, nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeTokenInvalid, "failed to parse token", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New(errors.ErrCodeTokenInvalid, "invalid token")
	}

	return claims, nil
}

type contextKey string

const (
	contextKeyUserID      contextKey = "userID"
	contextKeyPortfolioID contextKey = "portfolioID"
)

// AuthMiddleware rejects requests without a valid bearer token and stashes
// the claims in the request context.
func AuthMiddleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized")

				return
			}

			claims, err := tokens.Parse(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")

				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUserID, claims.UserID)
			ctx = context.WithValue(ctx, contextKeyPortfolioID, claims.PortfolioID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext returns the authenticated user, or uuid.Nil.
func UserIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(contextKeyUserID).(uuid.UUID)

	return id
}

// PortfolioIDFromContext returns the authenticated portfolio, or uuid.Nil.
func PortfolioIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(contextKeyPortfolioID).(uuid.UUID)

	return id
}
