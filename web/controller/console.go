package controller

import (
	"github.com/gin-gonic/gin"
)

// ConsoleController groups every authenticated route of the ops surface
// behind a shared login check. Login and logout stay on IndexController.
type ConsoleController struct {
	BaseController

	panelController   *PanelController
	serviceController *ServiceController
	serverController  *ServerController
	settingController *SettingController
}

func NewConsoleController(g *gin.RouterGroup) *ConsoleController {
	a := &ConsoleController{}
	a.initRouter(g)
	return a
}

func (a *ConsoleController) initRouter(g *gin.RouterGroup) {
	g = g.Group("/")
	g.Use(a.checkLogin)

	a.panelController = NewPanelController(g)
	a.serviceController = NewServiceController(g)
	a.serverController = NewServerController(g)
	a.settingController = NewSettingController(g)
}
