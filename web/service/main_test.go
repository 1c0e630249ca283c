package service

import (
	"os"
	"testing"

	"github.com/op/go-logging"

	"panelbridge/logger"
)

func TestMain(m *testing.M) {
	var tmpLogDir string
	if os.Getenv("PB_LOG_FOLDER") == "" {
		if dir, err := os.MkdirTemp("", "panelbridge-test-logs"); err == nil {
			tmpLogDir = dir
			os.Setenv("PB_LOG_FOLDER", dir)
		}
	}
	logger.InitLogger(logging.ERROR)
	code := m.Run()
	logger.CloseLogger()
	if tmpLogDir != "" {
		os.RemoveAll(tmpLogDir)
	}
	os.Exit(code)
}
