package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Role is a staff role on the POS.
type Role string

const (
	RoleCashier Role = "cashier"
	RoleManager Role = "manager"
)

// Level orders roles for comparison; a manager can do anything a cashier can.
func (r Role) Level() int {
	switch r {
	case RoleManager:
		return 2
	case RoleCashier:
		return 1
	default:
		return 0
	}
}

// IsAtLeast returns true if the role grants at least the other role's access.
func (r Role) IsAtLeast(other Role) bool {
	return r.Level() >= other.Level()
}

const (
	ctxUserIDKey = "user_id"
	ctxRoleKey   = "role"
)

// Claims are the JWT claims issued to POS staff.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// GenerateToken signs a staff token. The subject is the staff member id.
func GenerateToken(secret, userID string, role Role, expiry time.Duration) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "iretipos",
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken validates a staff token and returns its claims.
func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Auth returns a middleware that requires a valid staff bearer token and
// stores the staff id and role on the request context.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := ParseToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ctxUserIDKey, claims.Subject)
		c.Set(ctxRoleKey, claims.Role)
		c.Next()
	}
}

// RequireRole returns a middleware that rejects requests below the given
// role. It must run after Auth.
func RequireRole(role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		current, _ := c.Get(ctxRoleKey)
		r, ok := current.(Role)
		if !ok || !r.IsAtLeast(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated staff id, or "" outside an authenticated
// request.
func UserID(c *gin.Context) string {
	return c.GetString(ctxUserIDKey)
}

// UserRole returns the authenticated staff role.
func UserRole(c *gin.Context) Role {
	current, _ := c.Get(ctxRoleKey)
	r, _ := current.(Role)
	return r
}
