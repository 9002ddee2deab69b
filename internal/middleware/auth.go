package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"smart-mail-sorter-go/internal/apperr"
)

const customerIDKey = "customer_id"

// IssueToken signs a customer access token valid for ttl
func IssueToken(secret, customerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":         customerID,
		"customer_id": customerID,
		"iat":         now.Unix(),
		"exp":         now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken validates an HS256 token and returns the customer it was issued to
func ParseToken(secret, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	if id, ok := claims["customer_id"].(string); ok && id != "" {
		return id, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", errors.New("invalid token claims")
}

// RequireCustomer authenticates the caller from a Bearer token
func RequireCustomer(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, apperr.Unauthorized("authorization header required"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abort(c, apperr.Unauthorized("invalid authorization header format"))
			return
		}

		customerID, err := ParseToken(secret, strings.TrimSpace(parts[1]))
		if err != nil {
			abort(c, apperr.Unauthorized("invalid or expired token"))
			return
		}

		c.Set(customerIDKey, customerID)
		c.Next()
	}
}

// RequireAdminKey guards operator endpoints with a shared X-API-Key.
// An empty key disables the endpoints entirely.
func RequireAdminKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader("X-API-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(given), []byte(key)) != 1 {
			abort(c, apperr.Unauthorized("invalid API key"))
			return
		}
		c.Next()
	}
}

// CustomerID returns the authenticated customer set by RequireCustomer
func CustomerID(c *gin.Context) string {
	return c.GetString(customerIDKey)
}

func abort(c *gin.Context, err *apperr.AppError) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   err.Code,
		"message": err.Message,
		"code":    http.StatusUnauthorized,
	})
}
