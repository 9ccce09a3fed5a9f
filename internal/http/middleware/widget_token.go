package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/services"
)

const widgetClaimsKey = "widget_claims"

type WidgetAuthMiddleware struct {
	log        *logger.Logger
	widgetAuth services.WidgetAuthService
}

func NewWidgetAuthMiddleware(log *logger.Logger, widgetAuth services.WidgetAuthService) *WidgetAuthMiddleware {
	return &WidgetAuthMiddleware{
		log:        log.With("middleware", "WidgetAuthMiddleware"),
		widgetAuth: widgetAuth,
	}
}

// RequireWidgetToken validates the bearer token minted by the token endpoint
// and attaches its owner/widget claims to the request.
func (wm *WidgetAuthMiddleware) RequireWidgetToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"},
			})
			return
		}

		claims, err := wm.widgetAuth.VerifyToken(c.Request.Context(), tokenString)
		if err != nil {
			wm.log.Warn("Widget token rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid token", "code": "unauthorized"},
			})
			return
		}

		c.Set(widgetClaimsKey, claims)
		c.Next()
	}
}

func GetWidgetClaims(c *gin.Context) *services.WidgetTokenClaims {
	val, ok := c.Get(widgetClaimsKey)
	if !ok {
		return nil
	}
	claims, ok := val.(*services.WidgetTokenClaims)
	if !ok {
		return nil
	}
	return claims
}

func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}
