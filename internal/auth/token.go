// Package auth issues and validates the bearer tokens carried by caregiver
// and therapist clients of the Flynn API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is the kind of user a token was issued to.
type Role string

const (
	RoleCaregiver Role = "caregiver"
	RoleTherapist Role = "therapist"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCaregiver, RoleTherapist, RoleAdmin:
		return true
	}
	return false
}

// ErrEmptyUser is returned when a token is requested without a user id.
var ErrEmptyUser = errors.New("user id is required")

const issuer = "flynn"

// Claims holds the JWT payload for access tokens.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
	Role   Role   `json:"role"`
}

// TokenService handles JWT access tokens.
type TokenService struct {
	secret         []byte
	accessTokenTTL time.Duration
	now            func() time.Time
}

// NewTokenService creates a TokenService with the given signing secret and TTL.
func NewTokenService(secret []byte, accessTTL time.Duration) *TokenService {
	return &TokenService{
		secret:         secret,
		accessTokenTTL: accessTTL,
		now:            time.Now,
	}
}

// IssueAccessToken generates a signed JWT access token for userID.
func (s *TokenService) IssueAccessToken(userID string, role Role) (string, error) {
	if userID == "" {
		return "", ErrEmptyUser
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			Issuer:    issuer,
		},
		UserID: userID,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken parses and validates a JWT access token, returning the claims.
func (s *TokenService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// AccessTokenTTL returns the configured access token lifetime.
func (s *TokenService) AccessTokenTTL() time.Duration {
	return s.accessTokenTTL
}
