// Package controller provides the JSON handlers of the ops console. Every
// response uses the {success, msg, obj} envelope; there is no HTML surface.
package controller

import (
	"net/http"

	"panelbridge/logger"
	"panelbridge/web/locale"
	"panelbridge/web/session"

	"github.com/gin-gonic/gin"
)

// BaseController provides the login check shared by all protected routes.
type BaseController struct{}

func (a *BaseController) checkLogin(c *gin.Context) {
	if !session.IsLogin(c) {
		pureJsonMsg(c, http.StatusUnauthorized, false, I18nWeb(c, "pages.login.loginAgain"))
		c.Abort()
	} else {
		c.Next()
	}
}

// I18nWeb retrieves an internationalized message for the web interface based on the current locale.
func I18nWeb(c *gin.Context, name string, params ...string) string {
	anyfunc, funcExists := c.Get("I18n")
	if !funcExists {
		logger.Warning("I18n function not exists in gin context!")
		return ""
	}
	i18nFunc, _ := anyfunc.(func(i18nType locale.I18nType, key string, keyParams ...string) string)
	msg := i18nFunc(locale.Web, name, params...)
	return msg
}
