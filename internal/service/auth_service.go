package service

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrTokenExpired is returned by ValidateToken for a well-formed but expired token.
var ErrTokenExpired = errors.New("token expired")

// Claims extends JWT standard claims with the user id sessions are owned by.
type Claims struct {
	jwt.RegisteredClaims
	UserID int `json:"user_id"`
}

// AuthService issues and validates the bearer tokens that identify session owners.
// Account management lives outside this service; tokens are minted by a trusted issuer
// sharing the secret (or by `examcli token` in development).
type AuthService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewAuthService creates a new AuthService.
func NewAuthService(secret string, expiry time.Duration) *AuthService {
	return &AuthService{secret: []byte(secret), expiry: expiry, now: time.Now}
}

// IssueToken signs a token for userID.
func (s *AuthService) IssueToken(userID int) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   strconv.Itoa(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
		UserID: userID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID <= 0 {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
