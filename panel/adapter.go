// Package panel normalizes five remote proxy-panel wire protocols behind one
// adapter contract. Units are normalized at this boundary: quotas cross it in
// GB, traffic in bytes, timestamps in unix milliseconds. The remote panel is
// authoritative for traffic and enablement; adapters never cache data, only
// their own session artifact.
package panel

import (
	"context"

	"panelbridge/database/model"
)

// Inbound is one listener (or group/service, on panel kinds organized that
// way) a client can be provisioned on.
type Inbound struct {
	Id       int            `json:"id"`
	Tag      string         `json:"tag"`
	Protocol model.Protocol `json:"protocol"`
	Port     int            `json:"port"`
	Enable   bool           `json:"enable"`
}

// CreateResult identifies a freshly provisioned remote client.
type CreateResult struct {
	RemoteUUID string
	SubId      string
	Protocol   model.Protocol
	Host       string
	Port       int
}

// FanoutResult reports an all-inbounds create. CreatedCount may be lower than
// the enabled inbound count; failed inbounds are reported, not rolled back.
// PrimaryInboundId is the inbound the primary remote client landed on.
type FanoutResult struct {
	CreatedCount     int
	SubId            string
	RemoteUUID       string
	Protocol         model.Protocol
	PrimaryInboundId int
	Failed           []string
}

// Details is the live remote view of one client.
type Details struct {
	Enable       bool
	TotalBytes   int64
	UsedBytes    int64
	ExpiryMs     int64
	LastOnlineMs int64
	InboundId    int
}

// ResetResult reports an identity rotation. NewUUID equals the old identity
// on panel kinds where the stable key is the username and only the
// subscription token rotates.
type ResetResult struct {
	NewUUID string
	SubId   string
}

// MovedFunc is invoked when a lookup finds the client on a different inbound
// than the caller recorded, letting the caller repair its own reference.
type MovedFunc func(newInboundId int)

// Adapter translates the unified operation set into one panel kind's wire
// protocol. Implementations re-login exactly once when a cached session is
// rejected mid-call; they never retry network failures, that is the caller's
// decision.
type Adapter interface {
	Kind() model.PanelKind

	// Login authenticates and caches a session artifact. Idempotent; a
	// still-fresh session is reused.
	Login(ctx context.Context) error

	// ListInbounds returns the panel's inbounds in a stable order. An empty
	// result is valid.
	ListInbounds(ctx context.Context) ([]Inbound, error)

	// CreateClient provisions one identity on one inbound. quotaGB <= 0 and
	// expireDays <= 0 mean unlimited.
	CreateClient(ctx context.Context, inboundId int, name string, protocol model.Protocol, expireDays int, quotaGB float64) (*CreateResult, error)

	// CreateOnAllInbounds provisions across every enabled inbound under one
	// subscription id. Panel kinds with account-level clients attach every
	// inbound to a single remote client instead.
	CreateOnAllInbounds(ctx context.Context, name string, expireDays int, quotaGB float64) (*FanoutResult, error)

	// GetClientDetails reads the live state of one client. moved may be nil.
	GetClientDetails(ctx context.Context, inboundId int, remoteUUID string, moved MovedFunc) (*Details, error)

	// Snapshot reads every client the panel holds in one batched round-trip,
	// keyed by remote identity. Rows the snapshot misses fall back to
	// GetClientDetails on the caller's side.
	Snapshot(ctx context.Context) (map[string]Details, error)

	// UpdateQuota sets a new volume ceiling without touching used traffic.
	UpdateQuota(ctx context.Context, inboundId int, remoteUUID string, quotaGB float64) error

	// UpdateExpiry sets a new expiry, unix milliseconds, 0 for unlimited.
	UpdateExpiry(ctx context.Context, inboundId int, remoteUUID string, expiryMs int64) error

	// ResetUsage zeroes the remote traffic counters.
	ResetUsage(ctx context.Context, inboundId int, remoteUUID string) error

	// SetEnabled enables or disables the client. Idempotent.
	SetEnabled(ctx context.Context, inboundId int, remoteUUID string, enable bool) error

	// ResetIdentity rotates the client's key/uuid or subscription token while
	// preserving quota and expiry.
	ResetIdentity(ctx context.Context, inboundId int, remoteUUID string) (*ResetResult, error)

	// DeleteClient removes the client. A client that is already gone counts
	// as success.
	DeleteClient(ctx context.Context, inboundId int, remoteUUID string) error

	// SubscriptionLink builds the subscription URL for a provisioned
	// identity. Pure: same input, same output.
	SubscriptionLink(subIdOrUUID string, protocol model.Protocol) string
}

// New selects the adapter implementation for the panel's kind. Unknown kinds
// fall back to the 3x-ui dialect.
func New(p *model.Panel) Adapter {
	switch p.Kind {
	case model.KindMarzban:
		return newMarzban(p)
	case model.KindRebecca:
		return newRebecca(p)
	case model.KindPasargad:
		return newPasargad(p)
	case model.KindMarzneshin:
		return newMarzneshin(p)
	default:
		return newSanaei(p)
	}
}
