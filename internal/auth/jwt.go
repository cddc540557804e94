package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adred-codev/ws_gateway/internal/session"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carried by session tokens
type Claims struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	jwt.RegisteredClaims
}

// JWTResolver issues and verifies HS256 session tokens. It resolves the
// StartSession token of a connection to an identity.
type JWTResolver struct {
	secretKey     []byte
	issuer        string
	tokenDuration time.Duration
	now           func() time.Time
}

func NewJWTResolver(secretKey, issuer string, tokenDuration time.Duration) *JWTResolver {
	return &JWTResolver{
		secretKey:     []byte(secretKey),
		issuer:        issuer,
		tokenDuration: tokenDuration,
		now:           time.Now,
	}
}

// Generate creates a signed token for a user
func (r *JWTResolver) Generate(userID, displayName string) (string, error) {
	now := r.now()
	claims := &Claims{
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(r.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    r.issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(r.secretKey)
}

// Verify validates the token and returns its claims
func (r *JWTResolver) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return r.secretKey, nil
		},
		jwt.WithIssuer(r.issuer),
		jwt.WithTimeFunc(r.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing claims", ErrInvalidToken)
	}

	return claims, nil
}

// Resolve implements session.IdentityResolver.
func (r *JWTResolver) Resolve(ctx context.Context, token string) (session.Identity, error) {
	if err := ctx.Err(); err != nil {
		return session.Identity{}, err
	}

	claims, err := r.Verify(token)
	if err != nil {
		return session.Identity{}, err
	}

	displayName := claims.DisplayName
	if displayName == "" {
		displayName = claims.UserID
	}
	return session.Identity{UserID: claims.UserID, DisplayName: displayName}, nil
}
