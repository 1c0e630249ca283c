package controller

import (
	"panelbridge/logger"
	"panelbridge/util/metrics"
	"panelbridge/web/service"
	"panelbridge/web/session"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// LoginForm represents the login request structure.
type LoginForm struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// IndexController handles login and logout.
type IndexController struct {
	BaseController

	settingService service.SettingService
	userService    service.UserService
}

func NewIndexController(g *gin.RouterGroup) *IndexController {
	a := &IndexController{}
	a.initRouter(g)
	return a
}

func (a *IndexController) initRouter(g *gin.RouterGroup) {
	g.POST("/login", a.login)
	g.GET("/logout", a.logout)
}

// login authenticates the operator and opens the session cookie.
func (a *IndexController) login(c *gin.Context) {
	var form LoginForm

	if err := c.ShouldBind(&form); err != nil {
		pureJsonMsg(c, 200, false, I18nWeb(c, "pages.login.toasts.emptyUser"))
		return
	}
	if form.Username == "" || form.Password == "" {
		pureJsonMsg(c, 200, false, I18nWeb(c, "pages.login.toasts.emptyUser"))
		return
	}

	user := a.userService.CheckUser(form.Username, form.Password)
	if user == nil {
		logger.Warningf("wrong username or password for %q, IP: %s", form.Username, getRemoteIp(c))
		metrics.FailedLoginAttempts.Inc()
		pureJsonMsg(c, 200, false, I18nWeb(c, "pages.login.toasts.wrongUser"))
		return
	}

	sessionMaxAge, err := a.settingService.GetSessionMaxAge()
	if err != nil {
		logger.Warning("Unable to get session's max age from DB")
	}
	if sessionMaxAge > 0 {
		if err := session.SetMaxAge(c, sessionMaxAge*60); err != nil {
			logger.Warning("Unable to set session's max age:", err)
		}
	}

	if err := session.SetLoginUser(c, user); err != nil {
		logger.Warning("Unable to save session:", err)
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}

	logger.Infof("%s logged in successfully, IP: %s", form.Username, getRemoteIp(c))
	jsonMsg(c, I18nWeb(c, "pages.login.toasts.successLogin"), nil)
}

// logout clears the session. The response is JSON like everything else here.
func (a *IndexController) logout(c *gin.Context) {
	user := session.GetLoginUser(c)
	if user != nil {
		logger.Infof("%s logged out successfully", user.Username)
	}
	if err := session.ClearSession(c); err != nil {
		logger.Warning("Unable to clear session:", err)
	}
	if err := sessions.Default(c).Save(); err != nil {
		logger.Warning("Unable to save session after clearing:", err)
	}
	jsonMsg(c, I18nWeb(c, "logout"), nil)
}
