package panel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"panelbridge/database/model"
	"panelbridge/util/common"
)

const (
	marzbanTokenTTL = 55 * time.Minute

	snapshotPageSize = 500
	snapshotPageCap  = 40
)

// marzbanUser is the user document shared, with small deviations, by the
// whole Marzban family. Quotas are bytes, expire is unix seconds with null
// meaning never.
type marzbanUser struct {
	Username               string                  `json:"username"`
	Status                 string                  `json:"status,omitempty"`
	Proxies                map[string]marzbanProxy `json:"proxies,omitempty"`
	Inbounds               map[string][]string     `json:"inbounds,omitempty"`
	DataLimit              int64                   `json:"data_limit"`
	DataLimitResetStrategy string                  `json:"data_limit_reset_strategy,omitempty"`
	Expire                 *int64                  `json:"expire,omitempty"`
	UsedTraffic            int64                   `json:"used_traffic,omitempty"`
	OnlineAt               string                  `json:"online_at,omitempty"`
	SubscriptionUrl        string                  `json:"subscription_url,omitempty"`
	Note                   string                  `json:"note,omitempty"`
}

type marzbanProxy struct {
	Id   string `json:"id,omitempty"`
	Flow string `json:"flow,omitempty"`
}

type marzbanToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type marzbanErrorBody struct {
	Detail json.RawMessage `json:"detail"`
}

// marzbanUserResp decodes both success and error bodies: 2xx fills the user
// document, 4xx fills Detail.
type marzbanUserResp struct {
	marzbanUser
	marzbanErrorBody
}

// MarzbanAdapter speaks the Marzban dialect: OAuth2 password-grant bearer
// token, account-level clients keyed by username, inbounds attached as
// proto -> tag lists on the user itself.
type MarzbanAdapter struct {
	*restClient
	username string
	password string
	subBase  string
}

var _ Adapter = (*MarzbanAdapter)(nil)

func newMarzban(p *model.Panel) *MarzbanAdapter {
	rc := newRestClient(model.KindMarzban, p.Name, p.BaseUrl)
	return &MarzbanAdapter{
		restClient: rc,
		username:   p.Username,
		password:   p.Password,
		subBase:    subBaseOrDefault(p.SubBaseUrl, rc.base),
	}
}

func (a *MarzbanAdapter) Kind() model.PanelKind {
	return model.KindMarzban
}

func (a *MarzbanAdapter) Login(ctx context.Context) error {
	if a.sessionFresh() {
		return nil
	}
	return a.login(ctx)
}

func (a *MarzbanAdapter) login(ctx context.Context) error {
	return oauthLogin(ctx, a.restClient, "/api/admin/token", a.username, a.password, marzbanTokenTTL)
}

// oauthLogin posts the password-grant form the Marzban family uses and
// caches the bearer token. 401 means bad credentials, never a stale session.
func oauthLogin(ctx context.Context, c *restClient, path, username, password string, ttl time.Duration) error {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	form.Set("grant_type", "password")

	var token marzbanToken
	status, err := c.doForm(ctx, "login", http.MethodPost, path, form, &token)
	if err != nil {
		return err
	}
	switch {
	case transientStatus(status):
		return &TransientError{Op: "login", Err: fmt.Errorf("status %d", status)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.dropSession()
		return &AuthError{Panel: c.name, Reason: "credentials rejected"}
	case status != http.StatusOK || token.AccessToken == "":
		c.dropSession()
		return &AuthError{Panel: c.name, Reason: fmt.Sprintf("token endpoint answered %d", status)}
	}
	c.setBearer(token.AccessToken, ttl)
	return nil
}

// mapStatus translates a Marzban-family response code to the unified outcome
// set. The zero return means the payload is usable.
func (a *MarzbanAdapter) mapStatus(op string, status int, body *marzbanErrorBody) error {
	return marzbanMapStatus(a.restClient, op, status, body)
}

func marzbanMapStatus(c *restClient, op string, status int, body *marzbanErrorBody) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.dropSession()
		return errAuthExpired
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return &ProvisionError{Panel: c.name, Remote: "username already exists"}
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return &ProvisionError{Panel: c.name, Remote: detailString(body)}
	case transientStatus(status):
		return &TransientError{Op: op, Err: fmt.Errorf("status %d", status)}
	default:
		return &ProtocolError{Op: op, Detail: fmt.Sprintf("status %d", status)}
	}
}

func detailString(body *marzbanErrorBody) string {
	if body == nil || len(body.Detail) == 0 {
		return "request rejected"
	}
	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}
	return snippet(body.Detail)
}

func (a *MarzbanAdapter) ListInbounds(ctx context.Context) ([]Inbound, error) {
	var raw map[string][]json.RawMessage
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "inbounds.list", http.MethodGet, "/api/inbounds", nil, &raw)
		if err != nil {
			return err
		}
		return a.mapStatus("inbounds.list", status, nil)
	})
	if err != nil {
		return nil, err
	}
	return flattenInboundTags(raw), nil
}

// flattenInboundTags turns the proto -> tagged-inbound map into a stable,
// synthetic-id sequence. Entries are either bare tag strings or objects with
// a tag field depending on panel version.
func flattenInboundTags(raw map[string][]json.RawMessage) []Inbound {
	protos := make([]string, 0, len(raw))
	for proto := range raw {
		protos = append(protos, proto)
	}
	sort.Strings(protos)

	var inbounds []Inbound
	id := 0
	for _, proto := range protos {
		for _, entry := range raw[proto] {
			tag := ""
			var s string
			if err := json.Unmarshal(entry, &s); err == nil {
				tag = s
			} else {
				var obj struct {
					Tag string `json:"tag"`
				}
				if err := json.Unmarshal(entry, &obj); err == nil {
					tag = obj.Tag
				}
			}
			if tag == "" {
				continue
			}
			id++
			inbounds = append(inbounds, Inbound{
				Id:       id,
				Tag:      tag,
				Protocol: model.Protocol(proto),
				Enable:   true,
			})
		}
	}
	return inbounds
}

// inboundTagMap rebuilds the proto -> tags attachment for user creation.
func inboundTagMap(inbounds []Inbound) map[string][]string {
	tags := make(map[string][]string)
	for _, ib := range inbounds {
		proto := string(ib.Protocol)
		tags[proto] = append(tags[proto], ib.Tag)
	}
	return tags
}

func (a *MarzbanAdapter) CreateClient(ctx context.Context, inboundId int, name string, protocol model.Protocol, expireDays int, quotaGB float64) (*CreateResult, error) {
	return a.createUser(ctx, name, protocol, expireDays, quotaGB, nil)
}

// CreateOnAllInbounds attaches every inbound to one account-level user, so
// the fan-out collapses to a single remote client.
func (a *MarzbanAdapter) CreateOnAllInbounds(ctx context.Context, name string, expireDays int, quotaGB float64) (*FanoutResult, error) {
	inbounds, err := a.ListInbounds(ctx)
	if err != nil {
		return nil, err
	}
	created, err := a.createUser(ctx, name, model.VLESS, expireDays, quotaGB, inboundTagMap(inbounds))
	if err != nil {
		return nil, err
	}
	res := &FanoutResult{
		CreatedCount: 1,
		SubId:        created.SubId,
		RemoteUUID:   created.RemoteUUID,
		Protocol:     created.Protocol,
	}
	if len(inbounds) > 0 {
		res.PrimaryInboundId = inbounds[0].Id
	}
	return res, nil
}

func (a *MarzbanAdapter) createUser(ctx context.Context, name string, protocol model.Protocol, expireDays int, quotaGB float64, inbounds map[string][]string) (*CreateResult, error) {
	if protocol == "" {
		protocol = model.VLESS
	}
	user := marzbanUser{
		Username:               name,
		Status:                 "active",
		Proxies:                map[string]marzbanProxy{string(protocol): {Id: uuid.NewString()}},
		DataLimit:              common.GBToBytes(quotaGB),
		DataLimitResetStrategy: "no_reset",
		Expire:                 expirePtrFromDays(expireDays),
	}
	if inbounds != nil {
		user.Inbounds = inbounds
	}

	var out marzbanUserResp
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.create", http.MethodPost, "/api/user", user, &out)
		if err != nil {
			return err
		}
		return a.mapStatus("client.create", status, &out.marzbanErrorBody)
	})
	if err != nil {
		return nil, err
	}
	return &CreateResult{
		RemoteUUID: out.Username,
		SubId:      subTokenFromURL(a.absURL(out.SubscriptionUrl)),
		Protocol:   protocol,
	}, nil
}

func (a *MarzbanAdapter) getUser(ctx context.Context, username string) (*marzbanUser, error) {
	var user marzbanUser
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.get", http.MethodGet, "/api/user/"+url.PathEscape(username), nil, &user)
		if err != nil {
			return err
		}
		return a.mapStatus("client.get", status, nil)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (a *MarzbanAdapter) putUser(ctx context.Context, op, username string, body any) (*marzbanUser, error) {
	var user marzbanUserResp
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, op, http.MethodPut, "/api/user/"+url.PathEscape(username), body, &user)
		if err != nil {
			return err
		}
		return a.mapStatus(op, status, &user.marzbanErrorBody)
	})
	if err != nil {
		return nil, err
	}
	return &user.marzbanUser, nil
}

// GetClientDetails resolves by username. Account-level panels have no inbound
// placement, so moved never fires.
func (a *MarzbanAdapter) GetClientDetails(ctx context.Context, inboundId int, remoteUUID string, moved MovedFunc) (*Details, error) {
	user, err := a.getUser(ctx, remoteUUID)
	if err != nil {
		return nil, err
	}
	return marzbanDetails(user, inboundId), nil
}

func marzbanDetails(user *marzbanUser, inboundId int) *Details {
	var expiryMs int64
	if user.Expire != nil && *user.Expire > 0 {
		expiryMs = normalizeExpiryMs(*user.Expire)
	}
	return &Details{
		Enable:       user.Status == "active",
		TotalBytes:   user.DataLimit,
		UsedBytes:    user.UsedTraffic,
		ExpiryMs:     expiryMs,
		LastOnlineMs: parseOnlineAt(user.OnlineAt),
		InboundId:    inboundId,
	}
}

// Snapshot pages through the user listing and keys the result by username.
// Account-level clients carry no inbound placement, so InboundId stays 0 and
// move detection never applies.
func (a *MarzbanAdapter) Snapshot(ctx context.Context) (map[string]Details, error) {
	snapshot := make(map[string]Details)
	for offset := 0; offset < snapshotPageCap*snapshotPageSize; offset += snapshotPageSize {
		var out struct {
			Users []marzbanUser `json:"users"`
			Total int           `json:"total"`
		}
		err := withRelogin(ctx, a.name, a.login, func() error {
			path := fmt.Sprintf("/api/users?offset=%d&limit=%d", offset, snapshotPageSize)
			status, err := a.doJSON(ctx, "clients.snapshot", http.MethodGet, path, nil, &out)
			if err != nil {
				return err
			}
			return a.mapStatus("clients.snapshot", status, nil)
		})
		if err != nil {
			return nil, err
		}
		for i := range out.Users {
			u := &out.Users[i]
			snapshot[u.Username] = *marzbanDetails(u, 0)
		}
		if len(out.Users) < snapshotPageSize || len(snapshot) >= out.Total {
			break
		}
	}
	return snapshot, nil
}

func (a *MarzbanAdapter) UpdateQuota(ctx context.Context, inboundId int, remoteUUID string, quotaGB float64) error {
	_, err := a.putUser(ctx, "client.update_quota", remoteUUID, map[string]any{"data_limit": common.GBToBytes(quotaGB)})
	return err
}

func (a *MarzbanAdapter) UpdateExpiry(ctx context.Context, inboundId int, remoteUUID string, expiryMs int64) error {
	_, err := a.putUser(ctx, "client.update_expiry", remoteUUID, map[string]any{"expire": expireValueFromMs(expiryMs)})
	return err
}

func (a *MarzbanAdapter) ResetUsage(ctx context.Context, inboundId int, remoteUUID string) error {
	return withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.reset_usage", http.MethodPost, "/api/user/"+url.PathEscape(remoteUUID)+"/reset", nil, nil)
		if err != nil {
			return err
		}
		return a.mapStatus("client.reset_usage", status, nil)
	})
}

func (a *MarzbanAdapter) SetEnabled(ctx context.Context, inboundId int, remoteUUID string, enable bool) error {
	status := "disabled"
	if enable {
		status = "active"
	}
	_, err := a.putUser(ctx, "client.set_enabled", remoteUUID, map[string]any{"status": status})
	return err
}

// ResetIdentity revokes the subscription: the username survives, the token
// and every derived config rotate.
func (a *MarzbanAdapter) ResetIdentity(ctx context.Context, inboundId int, remoteUUID string) (*ResetResult, error) {
	var user marzbanUser
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.reset_identity", http.MethodPost, "/api/user/"+url.PathEscape(remoteUUID)+"/revoke_sub", nil, &user)
		if err != nil {
			return err
		}
		return a.mapStatus("client.reset_identity", status, nil)
	})
	if err != nil {
		return nil, err
	}
	return &ResetResult{
		NewUUID: remoteUUID,
		SubId:   subTokenFromURL(a.absURL(user.SubscriptionUrl)),
	}, nil
}

func (a *MarzbanAdapter) DeleteClient(ctx context.Context, inboundId int, remoteUUID string) error {
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.delete", http.MethodDelete, "/api/user/"+url.PathEscape(remoteUUID), nil, nil)
		if err != nil {
			return err
		}
		return a.mapStatus("client.delete", status, nil)
	})
	if err == ErrNotFound {
		return nil
	}
	return err
}

func (a *MarzbanAdapter) SubscriptionLink(subIdOrUUID string, protocol model.Protocol) string {
	return aggregateLink(a.subBase, subIdOrUUID)
}

// subTokenFromURL extracts the opaque token from a subscription URL the
// panel returned, the part the ledger stores as the subscription id.
func subTokenFromURL(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return ""
	}
	if idx := strings.LastIndex(raw, "/"); idx >= 0 {
		return raw[idx+1:]
	}
	return raw
}

func expirePtrFromDays(days int) *int64 {
	if days <= 0 {
		return nil
	}
	v := time.Now().Add(time.Duration(days) * 24 * time.Hour).Unix()
	return &v
}

// expireValueFromMs converts unix milliseconds to the seconds-or-null value
// the family expects.
func expireValueFromMs(expiryMs int64) any {
	if expiryMs <= 0 {
		return nil
	}
	return expiryMs / 1000
}

// parseOnlineAt parses the family's ISO-8601 online_at, treating naive
// timestamps as UTC. Returns unix milliseconds, 0 when absent or malformed.
func parseOnlineAt(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			if t.Location() == time.UTC || layout == time.RFC3339 || layout == time.RFC3339Nano {
				return t.UnixMilli()
			}
			return t.UTC().UnixMilli()
		}
	}
	return 0
}
