package middleware

import (
	"net/http"

	"panelbridge/web/service"

	"github.com/gin-gonic/gin"
)

// ApiAuth accepts machine callers carrying the configured Api-Key header.
// The session cookie remains the human path; handlers sit behind either.
func ApiAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Api-Key")
		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "API key is required"})
			c.Abort()
			return
		}

		settingService := service.SettingService{}
		bridgeAPIKey, err := settingService.GetAPIKey()
		if err != nil || bridgeAPIKey == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "API key not configured"})
			c.Abort()
			return
		}

		if apiKey != bridgeAPIKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			c.Abort()
			return
		}

		c.Next()
	}
}
