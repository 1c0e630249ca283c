package controller

import (
	"fmt"
	"time"

	"panelbridge/web/service"

	"github.com/gin-gonic/gin"
)

// ServerController serves host status and the xlsx ledger export.
type ServerController struct {
	BaseController

	serverService service.ServerService
	exportService service.ExportService

	lastStatus *service.Status
}

func NewServerController(g *gin.RouterGroup) *ServerController {
	a := &ServerController{}
	a.initRouter(g)
	return a
}

func (a *ServerController) initRouter(g *gin.RouterGroup) {
	g = g.Group("/server")

	g.GET("/status", a.status)
	g.GET("/export", a.exportXlsx)
}

// status samples on demand; keeping the previous sample lets the service
// derive network rates between calls.
func (a *ServerController) status(c *gin.Context) {
	a.lastStatus = a.serverService.GetStatus(a.lastStatus)
	jsonObj(c, a.lastStatus, nil)
}

func (a *ServerController) exportXlsx(c *gin.Context) {
	data, err := a.exportService.ExportXlsx()
	if err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	filename := fmt.Sprintf("panelbridge_%s.xlsx", time.Now().Format("20060102_150405"))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Writer.Write(data)
}
