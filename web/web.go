// Package web provides the HTTP server of the ops console, including JSON
// routing, session handling, and background job scheduling.
package web

import (
	"context"
	"embed"
	"io"
	"net"
	"net/http"
	"strconv"

	"panelbridge/config"
	"panelbridge/logger"
	"panelbridge/util/common"
	"panelbridge/web/controller"
	"panelbridge/web/job"
	"panelbridge/web/locale"
	"panelbridge/web/middleware"
	"panelbridge/web/service"

	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

//go:embed translation/*
var i18nFS embed.FS

// Server wires the controllers, services and scheduled jobs of the bridge.
type Server struct {
	httpServer *http.Server
	listener   net.Listener

	index   *controller.IndexController
	console *controller.ConsoleController

	settingService service.SettingService
	tgbotService   service.Tgbot

	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new web server instance with a cancellable context.
func NewServer() *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{ctx: ctx, cancel: cancel}
}

// initRouter initializes Gin, registers middleware and controllers and
// returns the configured engine.
func (s *Server) initRouter() (*gin.Engine, error) {
	if config.IsDebug() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.DefaultWriter = io.Discard
		gin.DefaultErrorWriter = io.Discard
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.Default()

	webDomain, err := s.settingService.GetWebDomain()
	if err != nil {
		return nil, err
	}
	if webDomain != "" {
		engine.Use(middleware.DomainValidatorMiddleware(webDomain))
	}

	secret, err := s.settingService.GetSecret()
	if err != nil {
		return nil, err
	}
	store := cookie.NewStore(secret)
	engine.Use(sessions.Sessions("panelbridge", store))

	// Base path for all routes (e.g. "/")
	basePath, err := s.settingService.GetBasePath()
	if err != nil {
		return nil, err
	}
	// gzip, excluding the xlsx download which is already deflate-compressed
	engine.Use(gzip.Gzip(
		gzip.DefaultCompression,
		gzip.WithExcludedPaths([]string{basePath + "server/export"}),
	))

	err = locale.InitLocalizer(i18nFS, &s.settingService)
	if err != nil {
		return nil, err
	}
	engine.Use(locale.LocalizerMiddleware())

	g := engine.Group(basePath)
	s.index = controller.NewIndexController(g)
	s.console = controller.NewConsoleController(g)

	// Scrape endpoint for Prometheus, key-authenticated instead of session-bound.
	engine.GET(basePath+"metrics", middleware.ApiAuth(), gin.WrapH(promhttp.Handler()))

	// 404 handler
	engine.NoRoute(func(c *gin.Context) {
		c.AbortWithStatus(http.StatusNotFound)
	})

	return engine, nil
}

// startTask schedules the background jobs on the cron scheduler.
func (s *Server) startTask() {
	// Reconciliation cadence is operator-tunable; everything else is fixed.
	interval, err := s.settingService.GetMonitorInterval()
	if err != nil || interval == "" {
		interval = "@every 180s"
	}
	if _, err := s.cron.AddJob(interval, job.NewMonitorJob()); err != nil {
		logger.Errorf("add monitor job error[%v], interval[%s] invalid, will run default", err, interval)
		s.cron.AddJob("@every 180s", job.NewMonitorJob())
	}

	s.cron.AddJob("@hourly", job.NewDeletionJob())
	s.cron.AddJob("@every 5m", job.NewPanelHealthJob())
	s.cron.AddJob("@daily", job.NewBackupJob())

	// Telegram bot related jobs
	if isTgbotenabled, err := s.settingService.GetTgbotEnabled(); (err == nil) && isTgbotenabled {
		runtime, err := s.settingService.GetTgbotRuntime()
		if err != nil || runtime == "" {
			logger.Errorf("add NewDailyReportJob error[%s], Runtime[%s] invalid, will run default", err, runtime)
			runtime = "@daily"
		}
		logger.Infof("Tg report enabled, run at %s", runtime)
		if _, err = s.cron.AddJob(runtime, job.NewDailyReportJob()); err != nil {
			logger.Warning("add NewDailyReportJob error", err)
		}
	}
}

// Start initializes and starts the web server.
func (s *Server) Start() (err error) {
	defer func() {
		if err != nil {
			_ = s.Stop()
		}
	}()

	loc, err := s.settingService.GetTimeLocation()
	if err != nil {
		return err
	}
	s.cron = cron.New(cron.WithLocation(loc), cron.WithSeconds())
	s.cron.Start()

	engine, err := s.initRouter()
	if err != nil {
		return err
	}

	listen, err := s.settingService.GetListen()
	if err != nil {
		return err
	}
	port, err := s.settingService.GetPort()
	if err != nil {
		return err
	}

	listenAddr := net.JoinHostPort(listen, strconv.Itoa(port))
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	logger.Info("Web server running HTTP on", listener.Addr())

	s.listener = listener
	s.httpServer = &http.Server{Handler: engine}

	go func() {
		_ = s.httpServer.Serve(listener)
	}()

	s.startTask()

	if isTgbotenabled, err := s.settingService.GetTgbotEnabled(); (err == nil) && isTgbotenabled {
		tgBot := s.tgbotService.NewTgbot()
		if err := tgBot.Start(); err != nil {
			logger.Warning("start telegram bot failed:", err)
		}
	}

	return nil
}

// Stop gracefully shuts down the web server, cron jobs, and Telegram bot.
func (s *Server) Stop() error {
	s.cancel()
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.tgbotService.IsRunning() {
		s.tgbotService.Stop()
	}
	var err1, err2 error
	if s.httpServer != nil {
		err1 = s.httpServer.Shutdown(s.ctx)
	}
	if s.listener != nil {
		err2 = s.listener.Close()
	}
	return common.Combine(err1, err2)
}

// GetCtx returns the server's context.
func (s *Server) GetCtx() context.Context { return s.ctx }

// GetCron returns the server's cron scheduler instance.
func (s *Server) GetCron() *cron.Cron { return s.cron }
