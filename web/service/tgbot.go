package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"panelbridge/config"
	"panelbridge/database/model"
	"panelbridge/logger"
	"panelbridge/util/common"
	"panelbridge/util/metrics"
	"panelbridge/web/locale"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	qrcode "github.com/skip2/go-qrcode"
)

var bot *telego.Bot
var adminIds []int64
var isRunning bool

const (
	tgSendTimeout = 30 * time.Second
	tgMsgLimit    = 2000

	reportExpireSoonMs = 3 * 86400000
)

// Tgbot pushes operator notifications to Telegram. Outbound only: the bot
// never long-polls for updates, so there is no command surface to secure.
type Tgbot struct {
	settingService SettingService
	serverService  ServerService
	clientService  ClientService
	panelService   PanelService
	lastStatus     *Status
}

func (t *Tgbot) NewTgbot() *Tgbot {
	return new(Tgbot)
}

func (t *Tgbot) I18nBot(name string, params ...string) string {
	return locale.I18n(locale.Bot, name, params...)
}

func (t *Tgbot) Start() error {
	tgBotToken, err := t.settingService.GetTgBotToken()
	if err != nil || tgBotToken == "" {
		logger.Warning("Get TgBotToken failed:", err)
		return err
	}

	tgBotId, err := t.settingService.GetTgBotChatId()
	if err != nil {
		logger.Warning("Get TgBotChatId failed:", err)
		return err
	}

	adminIds = nil
	for _, adminId := range strings.Split(tgBotId, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(adminId))
		if err != nil {
			logger.Warning("Failed to parse admin chat id:", err)
			return err
		}
		adminIds = append(adminIds, int64(id))
	}

	bot, err = telego.NewBot(tgBotToken)
	if err != nil {
		logger.Warning("Init telegram bot failed:", err)
		return err
	}

	if !isRunning {
		isRunning = true
		logger.Info("Telegram notifier started")
	}

	return nil
}

func (t *Tgbot) IsRunning() bool {
	return isRunning
}

func (t *Tgbot) Stop() {
	if !isRunning {
		return
	}
	isRunning = false
	adminIds = nil
	logger.Info("Telegram notifier stopped")
}

// SendMsgToTgbot pages a long message into chunks the API accepts, splitting
// on blank lines so entries stay whole.
func (t *Tgbot) SendMsgToTgbot(chatId int64, msg string) {
	if !isRunning {
		return
	}
	if msg == "" {
		logger.Info("[tgbot] message is empty!")
		return
	}

	var allMessages []string
	if len(msg) > tgMsgLimit {
		messages := strings.Split(msg, "\r\n \r\n")
		lastIndex := -1
		for _, message := range messages {
			if (len(allMessages) == 0) || (len(allMessages[lastIndex])+len(message) > tgMsgLimit) {
				allMessages = append(allMessages, message)
				lastIndex++
			} else {
				allMessages[lastIndex] += "\r\n \r\n" + message
			}
		}
	} else {
		allMessages = append(allMessages, msg)
	}

	for _, message := range allMessages {
		params := telego.SendMessageParams{
			ChatID:    tu.ID(chatId),
			Text:      message,
			ParseMode: "HTML",
		}
		ctx, cancel := context.WithTimeout(context.Background(), tgSendTimeout)
		_, err := bot.SendMessage(ctx, &params)
		cancel()
		if err != nil {
			logger.Warning("Error sending telegram message :", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func (t *Tgbot) SendMsgToTgbotAdmins(msg string) {
	for _, adminId := range adminIds {
		t.SendMsgToTgbot(adminId, msg)
	}
}

// NotifyWarn70 tells the admins a client crossed the 70% usage mark. The
// monitor sets the dedup flag, so this fires once per provisioned quota.
func (t *Tgbot) NotifyWarn70(client *model.Client) {
	if !isRunning {
		return
	}
	msg := t.I18nBot("tgbot.messages.warn70",
		"Name=="+client.Name,
		"Panel=="+t.panelName(client.PanelId),
		"Used=="+fmt.Sprintf("%.2f", client.UsedGB),
		"Total=="+fmt.Sprintf("%.2f", client.TotalGB))
	t.SendMsgToTgbotAdmins(msg)
	metrics.NotificationsTotal.WithLabelValues("warn70").Inc()
}

func (t *Tgbot) NotifyExhausted(client *model.Client) {
	if !isRunning {
		return
	}
	msg := t.I18nBot("tgbot.messages.exhausted",
		"Name=="+client.Name,
		"Panel=="+t.panelName(client.PanelId),
		"Total=="+fmt.Sprintf("%.2f", client.TotalGB),
		"Grace=="+formatMs(client.GraceEndAt))
	t.SendMsgToTgbotAdmins(msg)
	metrics.NotificationsTotal.WithLabelValues("exhausted").Inc()
}

func (t *Tgbot) NotifyExpired(client *model.Client) {
	if !isRunning {
		return
	}
	msg := t.I18nBot("tgbot.messages.expired",
		"Name=="+client.Name,
		"Panel=="+t.panelName(client.PanelId),
		"Expiry=="+formatMs(client.ExpiryTime),
		"Grace=="+formatMs(client.GraceEndAt))
	t.SendMsgToTgbotAdmins(msg)
	metrics.NotificationsTotal.WithLabelValues("expired").Inc()
}

// NotifyDeleted reports a hard delete, whether from overage or an elapsed
// grace window. The reason is already human readable.
func (t *Tgbot) NotifyDeleted(client *model.Client, reason string) {
	if !isRunning {
		return
	}
	msg := t.I18nBot("tgbot.messages.deleted",
		"Name=="+client.Name,
		"Panel=="+t.panelName(client.PanelId),
		"Reason=="+reason)
	t.SendMsgToTgbotAdmins(msg)
	metrics.NotificationsTotal.WithLabelValues("deleted").Inc()
}

// NotifyMigrationAnomaly flags a migration that finished on the destination
// but left the source in a state needing manual review.
func (t *Tgbot) NotifyMigrationAnomaly(client *model.Client, fromPanel string, toPanel string, detail string) {
	if !isRunning {
		return
	}
	msg := t.I18nBot("tgbot.messages.migrationAnomaly",
		"Name=="+client.Name,
		"From=="+fromPanel,
		"To=="+toPanel,
		"Detail=="+detail)
	t.SendMsgToTgbotAdmins(msg)
	metrics.NotificationsTotal.WithLabelValues("migrationAnomaly").Inc()
}

func (t *Tgbot) NotifyPanelDown(p *model.Panel, detail string) {
	if !isRunning {
		return
	}
	msg := t.I18nBot("tgbot.messages.panelDown",
		"Name=="+p.Name,
		"Detail=="+detail)
	t.SendMsgToTgbotAdmins(msg)
	metrics.NotificationsTotal.WithLabelValues("panelDown").Inc()
}

func (t *Tgbot) NotifyPanelUp(p *model.Panel) {
	if !isRunning {
		return
	}
	msg := t.I18nBot("tgbot.messages.panelUp", "Name=="+p.Name)
	t.SendMsgToTgbotAdmins(msg)
	metrics.NotificationsTotal.WithLabelValues("panelUp").Inc()
}

// SendSubscription delivers a subscription link and its QR code to the owner's
// chat, or to the admins when the row carries no owner chat id.
func (t *Tgbot) SendSubscription(client *model.Client, link string) {
	if !isRunning || link == "" {
		return
	}

	caption := t.I18nBot("tgbot.messages.subscription", "Name=="+client.Name)
	caption += "\r\n<code>" + link + "</code>"

	chatIds := adminIds
	if client.UserId > 0 {
		chatIds = []int64{client.UserId}
	}

	png, err := qrcode.Encode(link, qrcode.Medium, 256)
	if err != nil {
		logger.Warning("Encode subscription qr failed:", err)
		for _, chatId := range chatIds {
			t.SendMsgToTgbot(chatId, caption)
		}
		return
	}

	for _, chatId := range chatIds {
		params := telego.SendPhotoParams{
			ChatID:    tu.ID(chatId),
			Photo:     tu.File(tu.NameReader(bytes.NewReader(png), "subscription.png")),
			Caption:   caption,
			ParseMode: "HTML",
		}
		ctx, cancel := context.WithTimeout(context.Background(), tgSendTimeout)
		_, err = bot.SendPhoto(ctx, &params)
		cancel()
		if err != nil {
			logger.Warning("Send subscription qr failed:", err)
		}
	}
	metrics.NotificationsTotal.WithLabelValues("subscription").Inc()
}

// SendReport assembles the scheduled admin digest: host usage, fleet counts
// and the rows worth looking at, plus a DB backup when enabled.
func (t *Tgbot) SendReport() {
	runTime, err := t.settingService.GetTgbotRuntime()
	if err == nil && len(runTime) > 0 {
		t.SendMsgToTgbotAdmins(t.I18nBot("tgbot.messages.reportTime",
			"RunTime=="+runTime,
			"Date=="+time.Now().Format("2006-01-02 15:04:05")))
	}

	info := t.getServerUsage()
	t.SendMsgToTgbotAdmins(info)

	report := t.getClientReport()
	if report != "" {
		t.SendMsgToTgbotAdmins(report)
	}

	backupEnable, err := t.settingService.GetTgBotBackup()
	if err == nil && backupEnable {
		t.SendBackupToAdmins()
	}
	metrics.NotificationsTotal.WithLabelValues("report").Inc()
}

func (t *Tgbot) SendBackupToAdmins() {
	for _, adminId := range adminIds {
		t.sendBackup(adminId)
	}
}

func (t *Tgbot) sendBackup(chatId int64) {
	if !t.IsRunning() {
		return
	}

	t.SendMsgToTgbot(chatId, t.I18nBot("tgbot.messages.backupTime",
		"Date=="+time.Now().Format("2006-01-02 15:04:05")))

	file, err := os.Open(config.GetDBPath())
	if err != nil {
		logger.Warning("Error in opening db file for backup: ", err)
		return
	}
	defer file.Close()

	document := tu.Document(
		tu.ID(chatId),
		tu.File(file),
	)
	ctx, cancel := context.WithTimeout(context.Background(), tgSendTimeout)
	_, err = bot.SendDocument(ctx, document)
	cancel()
	if err != nil {
		logger.Warning("Error in uploading backup: ", err)
	}
	metrics.NotificationsTotal.WithLabelValues("backup").Inc()
}

func (t *Tgbot) getServerUsage() string {
	hostname, err := os.Hostname()
	if err != nil {
		logger.Error("get hostname error:", err)
		hostname = ""
	}
	info := t.I18nBot("tgbot.messages.hostname", "Hostname=="+hostname) + "\r\n"
	info += t.I18nBot("tgbot.messages.version", "Version=="+config.GetVersion()) + "\r\n"

	t.lastStatus = t.serverService.GetStatus(t.lastStatus)
	info += t.I18nBot("tgbot.messages.serverUpTime",
		"UpTime=="+strconv.Itoa(int(t.lastStatus.Uptime/86400))) + "\r\n"
	if len(t.lastStatus.Loads) >= 3 {
		info += t.I18nBot("tgbot.messages.serverLoad",
			"Load1=="+fmt.Sprintf("%.1f", t.lastStatus.Loads[0]),
			"Load2=="+fmt.Sprintf("%.1f", t.lastStatus.Loads[1]),
			"Load3=="+fmt.Sprintf("%.1f", t.lastStatus.Loads[2])) + "\r\n"
	}
	info += t.I18nBot("tgbot.messages.serverMemory",
		"Current=="+common.FormatTraffic(int64(t.lastStatus.Mem.Current)),
		"Total=="+common.FormatTraffic(int64(t.lastStatus.Mem.Total))) + "\r\n"
	info += t.I18nBot("tgbot.messages.tcpCount",
		"Count=="+strconv.Itoa(t.lastStatus.TcpCount)) + "\r\n"
	info += t.I18nBot("tgbot.messages.udpCount",
		"Count=="+strconv.Itoa(t.lastStatus.UdpCount)) + "\r\n"
	info += t.I18nBot("tgbot.messages.traffic",
		"Total=="+common.FormatTraffic(int64(t.lastStatus.NetTraffic.Sent+t.lastStatus.NetTraffic.Recv)),
		"Upload=="+common.FormatTraffic(int64(t.lastStatus.NetTraffic.Sent)),
		"Download=="+common.FormatTraffic(int64(t.lastStatus.NetTraffic.Recv))) + "\r\n"
	info += t.I18nBot("tgbot.messages.panels",
		"Healthy=="+strconv.Itoa(t.lastStatus.Panels.Healthy),
		"Total=="+strconv.Itoa(t.lastStatus.Panels.Total)) + "\r\n"
	info += t.I18nBot("tgbot.messages.clients",
		"Total=="+strconv.FormatInt(t.lastStatus.Clients.Total, 10),
		"Active=="+strconv.FormatInt(t.lastStatus.Clients.Active, 10),
		"Exhausted=="+strconv.FormatInt(t.lastStatus.Clients.Exhausted, 10),
		"Expired=="+strconv.FormatInt(t.lastStatus.Clients.Expired, 10))

	return info
}

// getClientReport lists the rows an operator would act on: terminal rows
// waiting out their grace window and active rows close to a limit.
func (t *Tgbot) getClientReport() string {
	clients, err := t.clientService.GetAllClients()
	if err != nil {
		logger.Warning("Unable to load clients for report:", err)
		return ""
	}

	now := time.Now().UnixMilli()
	var depleteSoon, terminal []*model.Client
	for _, client := range clients {
		if client.Status != model.StatusActive {
			terminal = append(terminal, client)
			continue
		}
		if (!client.Unlimited() && client.UsageRatio() >= warnRatio) ||
			(client.ExpiryTime > 0 && client.ExpiryTime-now < reportExpireSoonMs) {
			depleteSoon = append(depleteSoon, client)
		}
	}

	output := t.I18nBot("tgbot.messages.reportCounts",
		"Terminal=="+strconv.Itoa(len(terminal)),
		"DepleteSoon=="+strconv.Itoa(len(depleteSoon))) + "\r\n \r\n"

	for _, client := range terminal {
		output += t.I18nBot("tgbot.messages.reportTerminalRow",
			"Name=="+client.Name,
			"Panel=="+t.panelName(client.PanelId),
			"Status=="+string(client.Status),
			"Grace=="+formatMs(client.GraceEndAt)) + "\r\n \r\n"
	}
	for _, client := range depleteSoon {
		output += t.I18nBot("tgbot.messages.reportDepleteRow",
			"Name=="+client.Name,
			"Panel=="+t.panelName(client.PanelId),
			"Used=="+fmt.Sprintf("%.2f", client.UsedGB),
			"Total=="+fmt.Sprintf("%.2f", client.TotalGB),
			"Expiry=="+formatMs(client.ExpiryTime)) + "\r\n \r\n"
	}

	return output
}

func (t *Tgbot) panelName(panelId int) string {
	p, err := t.panelService.GetPanel(panelId)
	if err != nil {
		return fmt.Sprintf("panel %d", panelId)
	}
	return p.Name
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}
