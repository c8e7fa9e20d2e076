package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims is the token payload for operator endpoints.
type OperatorClaims struct {
	Operator string   `json:"operator"`
	Perms    []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// IssueOperatorToken mints a signed operator token. Used by tooling and
// tests; production tokens come from the identity service.
func IssueOperatorToken(secret, operator string, perms []string, ttl time.Duration) (string, error) {
	claims := &OperatorClaims{
		Operator: operator,
		Perms:    perms,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func (g *Gateway) operatorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(g.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims := token.Claims.(*OperatorClaims)
		if !hasPerm(claims.Perms, "operator") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "operator permission required"})
			return
		}

		c.Set("operator", claims.Operator)
		c.Next()
	}
}

func hasPerm(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}
