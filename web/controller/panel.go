package controller

import (
	"strconv"

	"panelbridge/config"
	"panelbridge/database/model"
	"panelbridge/web/service"

	"github.com/gin-gonic/gin"
)

// PanelController manages the remote panel registry: CRUD, health probes,
// inbound sync and the YAML seed import.
type PanelController struct {
	BaseController

	panelService service.PanelService
}

func NewPanelController(g *gin.RouterGroup) *PanelController {
	a := &PanelController{}
	a.initRouter(g)
	return a
}

func (a *PanelController) initRouter(g *gin.RouterGroup) {
	g = g.Group("/panel")

	g.GET("/list", a.getPanels)
	g.GET("/get/:id", a.getPanel)
	g.GET("/inbounds/:id", a.getInbounds)

	g.POST("/add", a.addPanel)
	g.POST("/update/:id", a.updatePanel)
	g.POST("/del/:id", a.delPanel)
	g.POST("/check/:id", a.checkPanel)
	g.POST("/syncInbounds/:id", a.syncInbounds)
	g.POST("/importSeed", a.importSeed)
}

func (a *PanelController) getPanels(c *gin.Context) {
	panels, err := a.panelService.GetPanels()
	if err != nil {
		jsonMsg(c, I18nWeb(c, "pages.panels.toasts.obtain"), err)
		return
	}
	jsonObj(c, panels, nil)
}

func (a *PanelController) getPanel(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "get"), err)
		return
	}
	p, err := a.panelService.GetPanel(id)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "pages.panels.toasts.obtain"), err)
		return
	}
	jsonObj(c, p, nil)
}

func (a *PanelController) getInbounds(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "get"), err)
		return
	}
	inbounds, err := a.panelService.GetInbounds(id)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "pages.panels.toasts.obtain"), err)
		return
	}
	jsonObj(c, inbounds, nil)
}

func (a *PanelController) addPanel(c *gin.Context) {
	p := &model.Panel{}
	if err := c.ShouldBind(p); err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	if err := a.panelService.AddPanel(p); err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	jsonMsgObj(c, I18nWeb(c, "pages.panels.toasts.createSuccess"), p, nil)
}

func (a *PanelController) updatePanel(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "modify"), err)
		return
	}
	p := &model.Panel{Id: id}
	if err := c.ShouldBind(p); err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	p.Id = id
	if err := a.panelService.UpdatePanel(p); err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	jsonMsgObj(c, I18nWeb(c, "pages.panels.toasts.updateSuccess"), p, nil)
}

func (a *PanelController) delPanel(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "delete"), err)
		return
	}
	if err := a.panelService.DeletePanel(id); err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	jsonMsg(c, I18nWeb(c, "pages.panels.toasts.deleteSuccess"), nil)
}

// checkPanel probes the panel with a live login and returns the updated row.
func (a *PanelController) checkPanel(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "get"), err)
		return
	}
	p, err := a.panelService.GetPanel(id)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "pages.panels.toasts.obtain"), err)
		return
	}
	_, probeErr := a.panelService.CheckPanel(c.Request.Context(), p)
	if probeErr != nil {
		jsonMsgObj(c, I18nWeb(c, "pages.panels.toasts.checkDone"), p, probeErr)
		return
	}
	jsonMsgObj(c, I18nWeb(c, "pages.panels.toasts.checkDone"), p, nil)
}

func (a *PanelController) syncInbounds(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "get"), err)
		return
	}
	p, err := a.panelService.GetPanel(id)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "pages.panels.toasts.obtain"), err)
		return
	}
	if err := a.panelService.SyncInbounds(c.Request.Context(), p); err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	inbounds, err := a.panelService.GetInbounds(id)
	jsonMsgObj(c, I18nWeb(c, "pages.panels.toasts.syncSuccess"), inbounds, err)
}

// importSeed loads panels from the YAML seed file; the body may override the
// path, otherwise the configured default is used.
func (a *PanelController) importSeed(c *gin.Context) {
	form := struct {
		Path string `json:"path" form:"path"`
	}{}
	if err := c.ShouldBind(&form); err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	path := form.Path
	if path == "" {
		path = config.GetSeedPath()
	}
	imported, err := a.panelService.ImportSeed(path)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	jsonMsgObj(c, I18nWeb(c, "pages.panels.toasts.seedDone"), imported, nil)
}
