package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerToken 从 Authorization 头中取出 token。
func BearerToken(authz string) (string, bool) {
	if len(authz) < len("Bearer ") || !strings.EqualFold(authz[:len("Bearer ")], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(authz[len("Bearer "):])
	return tok, tok != ""
}

// AuthMiddleware 只做无状态的 access token 校验，不查询用户表。
func AuthMiddleware(tokens *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := tokens.VerifyAccess(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("userID", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func GetUserID(c *gin.Context) uint {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(uint); ok2 {
			return id
		}
	}
	return 0
}

func GetUsername(c *gin.Context) string {
	return c.GetString("username")
}
