package job

import (
	"panelbridge/web/service"
)

// DailyReportJob pushes the scheduled admin digest through the notifier.
type DailyReportJob struct {
	tgbotService service.Tgbot
}

func NewDailyReportJob() *DailyReportJob {
	return new(DailyReportJob)
}

func (j *DailyReportJob) Run() {
	if !j.tgbotService.IsRunning() {
		return
	}
	j.tgbotService.SendReport()
}
