package job

import (
	"context"
	"time"

	"panelbridge/database/model"
	"panelbridge/logger"
	"panelbridge/web/service"
)

// PanelHealthJob probes every enabled panel with a login round-trip and
// notifies on health transitions in either direction.
type PanelHealthJob struct {
	panelService service.PanelService
	tgbotService service.Tgbot
}

func NewPanelHealthJob() *PanelHealthJob {
	return new(PanelHealthJob)
}

func (j *PanelHealthJob) Run() {
	panels, err := j.panelService.GetEnabledPanels()
	if err != nil {
		logger.Warning("health probe skipped, panel list failed:", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, p := range panels {
		changed, err := j.panelService.CheckPanel(ctx, p)
		if !changed {
			continue
		}
		if p.Status == model.PanelUnreachable {
			detail := ""
			if err != nil {
				detail = err.Error()
			}
			logger.Warningf("panel %s became unreachable: %v", p.Name, err)
			j.tgbotService.NotifyPanelDown(p, detail)
		} else {
			logger.Infof("panel %s is reachable again", p.Name)
			j.tgbotService.NotifyPanelUp(p)
		}
	}
}
