package controller

import (
	"context"
	"strconv"
	"time"

	"panelbridge/logger"
	"panelbridge/web/service"

	"github.com/gin-gonic/gin"
)

// ServiceController exposes the lifecycle operations on ledger rows:
// provisioning, migration, renewal, identity reset, deletion, live status.
type ServiceController struct {
	BaseController

	clientService    service.ClientService
	lifecycleService service.LifecycleService
	tgbotService     service.Tgbot
}

// CreateServiceForm carries a provisioning request. InboundId 0 selects the
// purchase path: one identity on every enabled inbound of the panel.
type CreateServiceForm struct {
	UserId    int64   `json:"userId" form:"userId"`
	PanelId   int     `json:"panelId" form:"panelId"`
	InboundId int     `json:"inboundId" form:"inboundId"`
	Name      string  `json:"name" form:"name"`
	QuotaGB   float64 `json:"quotaGb" form:"quotaGb"`
	Days      int     `json:"days" form:"days"`
}

type MigrateForm struct {
	DestPanelId int `json:"destPanelId" form:"destPanelId"`
}

type BulkMigrateForm struct {
	SourcePanelId int `json:"sourcePanelId" form:"sourcePanelId"`
	DestPanelId   int `json:"destPanelId" form:"destPanelId"`
}

type RenewForm struct {
	Method  int     `json:"method" form:"method"`
	AddGB   float64 `json:"addGb" form:"addGb"`
	AddDays int     `json:"addDays" form:"addDays"`
}

func NewServiceController(g *gin.RouterGroup) *ServiceController {
	a := &ServiceController{}
	a.initRouter(g)
	return a
}

func (a *ServiceController) initRouter(g *gin.RouterGroup) {
	g = g.Group("/service")

	g.GET("/list", a.getServices)
	g.GET("/get/:id", a.getService)
	g.GET("/live/:id", a.getLiveStatus)

	g.POST("/add", a.addService)
	g.POST("/migrate/:id", a.migrateService)
	g.POST("/bulkMigrate", a.bulkMigrate)
	g.POST("/renew/:id", a.renewService)
	g.POST("/renewPreview/:id", a.renewPreview)
	g.POST("/resetLink/:id", a.resetLink)
	g.POST("/del/:id", a.delService)
}

func (a *ServiceController) getServices(c *gin.Context) {
	clients, err := a.clientService.GetAllClients()
	if err != nil {
		jsonMsg(c, I18nWeb(c, "pages.services.toasts.obtain"), err)
		return
	}
	jsonObj(c, clients, nil)
}

func (a *ServiceController) getService(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "get"), err)
		return
	}
	client, err := a.clientService.GetClient(id)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "pages.services.toasts.obtain"), err)
		return
	}
	jsonObj(c, client, nil)
}

func (a *ServiceController) getLiveStatus(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "get"), err)
		return
	}
	live, err := a.lifecycleService.GetLiveStatus(c.Request.Context(), id)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "pages.services.toasts.obtain"), err)
		return
	}
	jsonObj(c, live, nil)
}

func (a *ServiceController) addService(c *gin.Context) {
	var form CreateServiceForm
	if err := c.ShouldBind(&form); err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	res, err := a.lifecycleService.CreateService(c.Request.Context(),
		form.UserId, form.PanelId, form.InboundId, form.Name, form.QuotaGB, form.Days)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	// QR delivery happens off the request path; chunked sends sleep
	// between messages.
	go a.tgbotService.SendSubscription(res.Client, res.Link)
	jsonMsgObj(c, I18nWeb(c, "pages.services.toasts.createSuccess"), res, nil)
}

func (a *ServiceController) migrateService(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "get"), err)
		return
	}
	var form MigrateForm
	if err := c.ShouldBind(&form); err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	res, err := a.lifecycleService.MigrateService(c.Request.Context(), id, form.DestPanelId)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	jsonMsgObj(c, I18nWeb(c, "pages.services.toasts.migrateSuccess"), res, nil)
}

// bulkMigrate starts the batch in the background and answers immediately;
// the outcome lands in the logs and the anomaly notifications.
func (a *ServiceController) bulkMigrate(c *gin.Context) {
	var form BulkMigrateForm
	if err := c.ShouldBind(&form); err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()
		report, err := a.lifecycleService.BulkPanelMigration(ctx, form.SourcePanelId, form.DestPanelId)
		if err != nil {
			logger.Error("bulk migration failed:", err)
			return
		}
		logger.Infof("bulk migration %d -> %d finished: %d moved, %d failed, %d skipped",
			form.SourcePanelId, form.DestPanelId, report.Success, report.Failed, report.Skipped)
	}()
	jsonMsg(c, I18nWeb(c, "pages.services.toasts.migrateSuccess"), nil)
}

func (a *ServiceController) renewService(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "get"), err)
		return
	}
	var form RenewForm
	if err := c.ShouldBind(&form); err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	client, err := a.lifecycleService.RenewService(c.Request.Context(), id,
		service.RenewalMethodFromValue(form.Method), form.AddGB, form.AddDays)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	jsonMsgObj(c, I18nWeb(c, "pages.services.toasts.renewSuccess"), client, nil)
}

// renewPreview returns what a renewal would yield without applying it.
func (a *ServiceController) renewPreview(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "get"), err)
		return
	}
	var form RenewForm
	if err := c.ShouldBind(&form); err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	plan, err := a.lifecycleService.PreviewRenewal(id,
		service.RenewalMethodFromValue(form.Method), form.AddGB, form.AddDays)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	jsonObj(c, plan, nil)
}

// resetLink rotates the remote identity and returns the fresh subscription
// link; the compromised link stops resolving.
func (a *ServiceController) resetLink(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "get"), err)
		return
	}
	link, err := a.lifecycleService.ResetLink(c.Request.Context(), id)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	if client, cerr := a.clientService.GetClient(id); cerr == nil {
		go a.tgbotService.SendSubscription(client, link)
	}
	jsonMsgObj(c, I18nWeb(c, "pages.services.toasts.resetIdentitySuccess"), link, nil)
}

func (a *ServiceController) delService(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "delete"), err)
		return
	}
	if err := a.lifecycleService.DeleteService(c.Request.Context(), id); err != nil {
		jsonMsg(c, I18nWeb(c, "somethingWentWrong"), err)
		return
	}
	jsonMsg(c, I18nWeb(c, "pages.services.toasts.deleteSuccess"), nil)
}
