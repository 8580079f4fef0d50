// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"strings"

	"kieran-ai-go/internal/service"
	"kieran-ai-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// 存放在 gin 上下文中的身份键。
const identityContextKey = "identity"

// OptionalAuth 创建一个解析调用者身份的中间件。
// 与强制认证不同，它从不拒绝请求：携带有效 Bearer token 的请求解析为已登录身份，
// 其余请求作为匿名访客继续（可选的 X-Session-Id 头用于隔离匿名历史）。
func OptionalAuth(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := service.Identity{
			SessionID: c.GetHeader("X-Session-Id"),
		}

		authHeader := c.GetHeader("Authorization")
		const bearerPrefix = "Bearer "
		if strings.HasPrefix(authHeader, bearerPrefix) {
			tokenString := strings.TrimPrefix(authHeader, bearerPrefix)
			if claims, err := jwtManager.VerifyToken(tokenString); err == nil {
				userID := claims.UserID
				ident.UserID = &userID
			}
			// 无效或过期的 token 不报错：退化为匿名访客，聊天照常进行。
		}

		c.Set(identityContextKey, ident)
		c.Next()
	}
}

// IdentityFromContext 取出中间件解析的身份；中间件未运行时返回匿名身份。
func IdentityFromContext(c *gin.Context) service.Identity {
	if v, ok := c.Get(identityContextKey); ok {
		if ident, ok := v.(service.Identity); ok {
			return ident
		}
	}
	return service.Identity{}
}
