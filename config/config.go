package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
)

//go:embed version
var version string

//go:embed name
var name string

type LogLevel string

const (
	Debug  LogLevel = "debug"
	Info   LogLevel = "info"
	Notice LogLevel = "notice"
	Warn   LogLevel = "warn"
	Error  LogLevel = "error"
)

func GetVersion() string {
	return strings.TrimSpace(version)
}

func GetName() string {
	return strings.TrimSpace(name)
}

func GetLogLevel() LogLevel {
	if IsDebug() {
		return Debug
	}
	logLevel := os.Getenv("PB_LOG_LEVEL")
	if logLevel == "" {
		return Info
	}
	return LogLevel(logLevel)
}

func IsDebug() bool {
	return os.Getenv("PB_DEBUG") == "true"
}

func GetDBFolderPath() string {
	dbFolderPath := os.Getenv("PB_DB_FOLDER")
	if dbFolderPath == "" {
		dbFolderPath = "/etc/panelbridge"
	}
	return dbFolderPath
}

func GetDBPath() string {
	return fmt.Sprintf("%s/%s.db", GetDBFolderPath(), GetName())
}

func GetBackupFolderPath() string {
	backupFolderPath := os.Getenv("PB_BACKUP_FOLDER")
	if backupFolderPath == "" {
		backupFolderPath = fmt.Sprintf("%s/backup", GetDBFolderPath())
	}
	return backupFolderPath
}

func GetSeedPath() string {
	seedPath := os.Getenv("PB_SEED_FILE")
	if seedPath == "" {
		seedPath = fmt.Sprintf("%s/panels.yaml", GetDBFolderPath())
	}
	return seedPath
}

func GetLogFolder() string {
	logFolderPath := os.Getenv("PB_LOG_FOLDER")
	if logFolderPath == "" {
		logFolderPath = "/var/log"
	}
	return logFolderPath
}
