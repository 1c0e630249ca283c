package model

type Protocol string

const (
	VMESS       Protocol = "vmess"
	VLESS       Protocol = "vless"
	Trojan      Protocol = "trojan"
	Shadowsocks Protocol = "shadowsocks"
)

// PanelKind selects the wire protocol an adapter speaks to a remote panel.
type PanelKind string

const (
	KindSanaei     PanelKind = "sanaei"
	KindMarzban    PanelKind = "marzban"
	KindRebecca    PanelKind = "rebecca"
	KindPasargad   PanelKind = "pasargad"
	KindMarzneshin PanelKind = "marzneshin"
)

type PanelStatus string

const (
	PanelHealthy     PanelStatus = "healthy"
	PanelUnreachable PanelStatus = "unreachable"
)

type SaleType string

const (
	SaleVolume SaleType = "volume"
	SalePlan   SaleType = "plan"
)

// Panel is one remote proxy-management backend this service provisions
// against. Credentials belong to an admin account on that backend.
type Panel struct {
	Id               int         `json:"id" form:"id" gorm:"primaryKey;autoIncrement"`
	Name             string      `json:"name" form:"name" gorm:"unique"`
	Kind             PanelKind   `json:"kind" form:"kind" gorm:"default:sanaei"`
	BaseUrl          string      `json:"baseUrl" form:"baseUrl"`
	Username         string      `json:"username" form:"username"`
	Password         string      `json:"password" form:"password"`
	TwoFactorSecret  string      `json:"twoFactorSecret" form:"twoFactorSecret"`
	DefaultInboundId int         `json:"defaultInboundId" form:"defaultInboundId"`
	SubBaseUrl       string      `json:"subBaseUrl" form:"subBaseUrl"`
	DefaultProtocol  Protocol    `json:"defaultProtocol" form:"defaultProtocol" gorm:"default:vless"`
	PricePerGB       float64     `json:"pricePerGb" form:"pricePerGb"`
	SaleType         SaleType    `json:"saleType" form:"saleType" gorm:"default:volume"`
	Enable           bool        `json:"enable" form:"enable" gorm:"default:true"`
	Status           PanelStatus `json:"status" gorm:"default:healthy"`
	LastCheckedAt    int64       `json:"lastCheckedAt"`
	ExtraConfig      string      `json:"extraConfig" form:"extraConfig"`
}

// PanelInbound is a locally cached snapshot of one listener (or group /
// service, for panel kinds organized that way) on a remote panel. Refreshed
// by inbound sync; at most one row per panel carries IsMain.
type PanelInbound struct {
	Id        int      `json:"id" gorm:"primaryKey;autoIncrement"`
	PanelId   int      `json:"panelId" gorm:"uniqueIndex:idx_panel_remote"`
	InboundId int      `json:"inboundId" gorm:"uniqueIndex:idx_panel_remote"`
	Tag       string   `json:"tag"`
	Protocol  Protocol `json:"protocol"`
	Port      int      `json:"port"`
	Enable    bool     `json:"enable"`
	IsMain    bool     `json:"isMain"`
}

type Setting struct {
	Id    int    `json:"id" form:"id" gorm:"primaryKey;autoIncrement"`
	Key   string `json:"key" form:"key"`
	Value string `json:"value" form:"value"`
}

// User is an ops console account, not a VPN identity.
type User struct {
	Id       int    `json:"id" gorm:"primaryKey;autoIncrement"`
	Username string `json:"username" gorm:"uniqueIndex;not null"`
	Password string `json:"-"`
}
