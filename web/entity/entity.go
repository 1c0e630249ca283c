// Package entity defines the data structures shared by the web layer.
package entity

import (
	"math"
	"net"
	"strings"
	"time"

	"panelbridge/util/common"
)

// Msg is the standard API response envelope with success status, message
// text, and optional data object.
type Msg struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
	Obj     any    `json:"obj"`
}

// AllSetting is the flat settings document the ops surface reads and writes.
// Keys map 1:1 onto the settings table through the json tags.
type AllSetting struct {
	WebListen     string `json:"webListen" form:"webListen"`
	WebDomain     string `json:"webDomain" form:"webDomain"`
	WebPort       int    `json:"webPort" form:"webPort"`
	WebBasePath   string `json:"webBasePath" form:"webBasePath"`
	SessionMaxAge int    `json:"sessionMaxAge" form:"sessionMaxAge"`
	TimeLocation  string `json:"timeLocation" form:"timeLocation"`

	MonitorInterval string `json:"monitorInterval" form:"monitorInterval"`
	GraceHours      int    `json:"graceHours" form:"graceHours"`

	TgBotEnable bool   `json:"tgBotEnable" form:"tgBotEnable"`
	TgBotToken  string `json:"tgBotToken" form:"tgBotToken"`
	TgBotChatId string `json:"tgBotChatId" form:"tgBotChatId"`
	TgRunTime   string `json:"tgRunTime" form:"tgRunTime"`
	TgBotBackup bool   `json:"tgBotBackup" form:"tgBotBackup"`
	TgLang      string `json:"tgLang" form:"tgLang"`

	ApiKey string `json:"apiKey" form:"apiKey"`
}

// CheckValid rejects documents that would leave the server unable to start.
func (s *AllSetting) CheckValid() error {
	if s.WebListen != "" {
		ip := net.ParseIP(s.WebListen)
		if ip == nil {
			return common.NewError("web listen is not valid ip:", s.WebListen)
		}
	}

	if s.WebPort <= 0 || s.WebPort > math.MaxUint16 {
		return common.NewError("web port is not a valid port:", s.WebPort)
	}

	if s.SessionMaxAge < 0 {
		return common.NewError("session max age cannot be negative:", s.SessionMaxAge)
	}

	if s.GraceHours < 0 {
		return common.NewError("grace hours cannot be negative:", s.GraceHours)
	}

	if !strings.HasPrefix(s.WebBasePath, "/") {
		s.WebBasePath = "/" + s.WebBasePath
	}
	if !strings.HasSuffix(s.WebBasePath, "/") {
		s.WebBasePath += "/"
	}

	_, err := time.LoadLocation(s.TimeLocation)
	if err != nil {
		return common.NewError("time location not exist:", s.TimeLocation)
	}

	return nil
}
