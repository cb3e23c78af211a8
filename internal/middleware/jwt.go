package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/examgen-backend/internal/response"
	"github.com/stemsi/examgen-backend/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
)

// TokenValidator is satisfied by *service.AuthService.
type TokenValidator interface {
	ValidateToken(tokenStr string) (*service.Claims, error)
}

// RequireUserJWT validates a bearer JWT from the Authorization header.
func RequireUserJWT(auth TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, err := extractToken(c)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		authorize(c, auth, tokenStr)
	}
}

// RequireUserWSAuth validates a JWT from the query param ?token=...
// Used for WebSocket upgrade requests, which cannot carry custom headers from a browser.
func RequireUserWSAuth(auth TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}
		authorize(c, auth, tokenStr)
	}
}

func authorize(c *gin.Context, auth TokenValidator, tokenStr string) {
	claims, err := auth.ValidateToken(tokenStr)
	if err != nil {
		code := response.ErrTokenInvalid
		if errors.Is(err, service.ErrTokenExpired) {
			code = response.ErrTokenExpired
		}
		response.AbortFail(c, http.StatusUnauthorized, code)
		return
	}

	c.Set(ContextKeyClaims, claims)
	c.Next()
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

// UserID returns the authenticated user's id, or 0 when the request carries no claims.
func UserID(c *gin.Context) int {
	if claims := GetClaims(c); claims != nil {
		return claims.UserID
	}
	return 0
}

func extractToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") && parts[1] != "" {
			return parts[1], nil
		}
	}
	return "", fmt.Errorf("authorization header required")
}
