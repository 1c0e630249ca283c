package model

import "time"

// ClientStatus is the composite state the traffic monitor derives for a
// ledger row. Transitions only move forward; renewal is the single reset
// path back to active.
type ClientStatus string

const (
	StatusActive    ClientStatus = "active"
	StatusExhausted ClientStatus = "exhausted"
	StatusExpired   ClientStatus = "expired"
)

// Client is one ledger row: a VPN identity provisioned on one inbound of one
// panel. The remote panel stays authoritative for traffic and enablement;
// this row caches the last reconciled view.
type Client struct {
	Id         int      `json:"id" gorm:"primaryKey;autoIncrement"`
	UserId     int64    `json:"userId" gorm:"index;uniqueIndex:idx_user_panel_inbound"`
	PanelId    int      `json:"panelId" gorm:"index;uniqueIndex:idx_user_panel_inbound"`
	InboundId  int      `json:"inboundId" gorm:"uniqueIndex:idx_user_panel_inbound"`
	Name       string   `json:"name" form:"name"`
	RemoteUUID string   `json:"remoteUuid" gorm:"uniqueIndex"`
	Protocol   Protocol `json:"protocol"`
	SubId      string   `json:"subId" gorm:"index"`

	TotalGB    float64 `json:"totalGb" form:"totalGb"`
	UsedGB     float64 `json:"usedGb"`
	ExpiryTime int64   `json:"expiryTime" form:"expiryTime"`

	Status ClientStatus `json:"status" gorm:"default:active"`
	Enable bool         `json:"enable" gorm:"default:true"`

	Warned70          bool `json:"warned70"`
	NotifiedExhausted bool `json:"notifiedExhausted"`
	NotifiedExpired   bool `json:"notifiedExpired"`

	ExhaustedAt int64 `json:"exhaustedAt"`
	ExpiredAt   int64 `json:"expiredAt"`
	GraceEndAt  int64 `json:"graceEndAt"`

	SubLink      string `json:"subLink"`
	LastOnlineAt int64  `json:"lastOnlineAt"`
	LastSyncedAt int64  `json:"lastSyncedAt"`
}

// Unlimited reports whether the row has no volume ceiling.
func (c *Client) Unlimited() bool {
	return c.TotalGB <= 0
}

// RemainingGB is max(0, total-used); meaningless for unlimited rows.
func (c *Client) RemainingGB() float64 {
	if c.Unlimited() {
		return 0
	}
	remaining := c.TotalGB - c.UsedGB
	if remaining < 0 {
		return 0
	}
	return remaining
}

// UsageRatio is used/total, 0 for unlimited rows.
func (c *Client) UsageRatio() float64 {
	if c.Unlimited() {
		return 0
	}
	return c.UsedGB / c.TotalGB
}

// TimeExpired reports whether the provisioned expiry has passed. Zero expiry
// never expires.
func (c *Client) TimeExpired(now time.Time) bool {
	return c.ExpiryTime > 0 && now.UnixMilli() >= c.ExpiryTime
}

// TerminalAt returns the timestamp the row entered a terminal status, 0 when
// still active.
func (c *Client) TerminalAt() int64 {
	switch c.Status {
	case StatusExhausted:
		return c.ExhaustedAt
	case StatusExpired:
		return c.ExpiredAt
	}
	return 0
}
