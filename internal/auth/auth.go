// Package auth verifies bearer tokens and resolves account ownership for
// both the HTTP analytics surface and the WebSocket upgrade handshake.
// Tokens are full JWTs, checked for signature, expiry, and audience via
// golang-jwt/jwt/v5.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every token verification failure: bad signature,
// expired, wrong audience, malformed. Callers map this to WS close code
// 1008 or HTTP 401.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// ErrForbidden means the token verified but the user does not own the
// requested account. Maps to WS 1008 or HTTP 403.
var ErrForbidden = errors.New("auth: account not owned by authenticated user")

// Claims is the expected JWT payload shape.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Verifier checks bearer tokens against a shared secret and expected
// audience.
type Verifier struct {
	secret   []byte
	audience string
}

func NewVerifier(secret, audience string) *Verifier {
	return &Verifier{secret: []byte(secret), audience: audience}
}

// VerifyToken validates signature, expiration, and audience, returning the
// authenticated user id.
func (v *Verifier) VerifyToken(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithAudience(v.audience), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.UserID == "" {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}

// AccountOwnership resolves whether a user owns a given account: a
// brokerage account, a Plaid/SnapTrade account, or the literal id
// "aggregated" for any user with at least one aggregated account.
// Implemented by internal/store against user_investment_accounts.
type AccountOwnership interface {
	OwnsAccount(ctx context.Context, userID, accountID string) (bool, error)
	HasAggregatedAccount(ctx context.Context, userID string) (bool, error)
}

const aggregatedLiteralID = "aggregated"

// Authorize verifies the token and checks ownership of accountID in one
// call, the shape both the HTTP handlers and the WebSocket upgrade use.
func Authorize(ctx context.Context, v *Verifier, ownership AccountOwnership, tokenString, accountID string) (string, error) {
	userID, err := v.VerifyToken(tokenString)
	if err != nil {
		return "", err
	}

	if accountID == aggregatedLiteralID {
		ok, err := ownership.HasAggregatedAccount(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("auth: aggregated ownership lookup: %w", err)
		}
		if !ok {
			return "", ErrForbidden
		}
		return userID, nil
	}

	ok, err := ownership.OwnsAccount(ctx, userID, accountID)
	if err != nil {
		return "", fmt.Errorf("auth: ownership lookup: %w", err)
	}
	if !ok {
		return "", ErrForbidden
	}
	return userID, nil
}

// IssueTestToken is a small helper used only by tests to mint a valid
// token against a Verifier's secret without reaching for a real identity
// provider.
func IssueTestToken(secret, audience, userID string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
