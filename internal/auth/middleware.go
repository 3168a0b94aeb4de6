package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys for operator data
const (
	ContextKeyOperator = "operator"
	ContextKeyClaims   = "operator_claims"
)

// Middleware creates a JWT authentication middleware
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing authorization header",
			})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid authorization header format",
			})
			return
		}

		claims, err := jwtManager.ValidateToken(parts[1])
		if err != nil {
			message := "invalid token"
			if errors.Is(err, ErrTokenExpired) {
				message = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": message,
			})
			return
		}

		c.Set(ContextKeyOperator, claims.Operator)
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetOperator returns the authenticated operator name from the context.
func GetOperator(c *gin.Context) string {
	if operator, exists := c.Get(ContextKeyOperator); exists {
		if name, ok := operator.(string); ok {
			return name
		}
	}
	return ""
}
