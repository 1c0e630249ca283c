package panel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"panelbridge/database/model"
	"panelbridge/util/common"
)

const marzneshinTokenTTL = 55 * time.Minute

// marzneshinUser is the next-generation family user document. Expiry is an
// explicit strategy plus date instead of a unix field, and account state is
// a boolean with derived condition flags.
type marzneshinUser struct {
	Username               string `json:"username"`
	Enabled                bool   `json:"enabled"`
	Expired                bool   `json:"expired,omitempty"`
	DataLimitReached       bool   `json:"data_limit_reached,omitempty"`
	DataLimit              int64  `json:"data_limit"`
	UsedTraffic            int64  `json:"used_traffic,omitempty"`
	ExpireStrategy         string `json:"expire_strategy"`
	ExpireDate             string `json:"expire_date,omitempty"`
	DataLimitResetStrategy string `json:"data_limit_reset_strategy,omitempty"`
	ServiceIds             []int  `json:"service_ids"`
	SubscriptionUrl        string `json:"subscription_url,omitempty"`
	OnlineAt               string `json:"online_at,omitempty"`
}

type marzneshinUserResp struct {
	marzneshinUser
	marzbanErrorBody
}

type marzneshinService struct {
	Id         int    `json:"id"`
	Name       string `json:"name"`
	InboundIds []int  `json:"inbound_ids"`
}

// MarzneshinAdapter speaks the rewritten family API: plural routes, service
// attachment instead of proxy maps, and expire strategies.
type MarzneshinAdapter struct {
	*restClient
	username string
	password string
	subBase  string
}

var _ Adapter = (*MarzneshinAdapter)(nil)

func newMarzneshin(p *model.Panel) *MarzneshinAdapter {
	rc := newRestClient(model.KindMarzneshin, p.Name, p.BaseUrl)
	return &MarzneshinAdapter{
		restClient: rc,
		username:   p.Username,
		password:   p.Password,
		subBase:    subBaseOrDefault(p.SubBaseUrl, rc.base),
	}
}

func (a *MarzneshinAdapter) Kind() model.PanelKind {
	return model.KindMarzneshin
}

func (a *MarzneshinAdapter) Login(ctx context.Context) error {
	if a.sessionFresh() {
		return nil
	}
	return a.login(ctx)
}

func (a *MarzneshinAdapter) login(ctx context.Context) error {
	return oauthLogin(ctx, a.restClient, "/api/admins/token", a.username, a.password, marzneshinTokenTTL)
}

func (a *MarzneshinAdapter) mapStatus(op string, status int, body *marzbanErrorBody) error {
	return marzbanMapStatus(a.restClient, op, status, body)
}

// ListInbounds surfaces services. Protocol comes from the first inbound a
// service carries, resolved against the panel's inbound listing.
func (a *MarzneshinAdapter) ListInbounds(ctx context.Context) ([]Inbound, error) {
	services, err := a.listServices(ctx)
	if err != nil {
		return nil, err
	}
	protoByInbound, err := a.inboundProtocols(ctx)
	if err != nil {
		return nil, err
	}

	inbounds := make([]Inbound, 0, len(services))
	for _, svc := range services {
		proto := model.VLESS
		for _, ibId := range svc.InboundIds {
			if p, ok := protoByInbound[ibId]; ok && p != "" {
				proto = p
				break
			}
		}
		inbounds = append(inbounds, Inbound{
			Id:       svc.Id,
			Tag:      svc.Name,
			Protocol: proto,
			Enable:   true,
		})
	}
	return inbounds, nil
}

func (a *MarzneshinAdapter) listServices(ctx context.Context) ([]marzneshinService, error) {
	var raw json.RawMessage
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "inbounds.list", http.MethodGet, a.url("/api/services?size=100"), nil, &raw)
		if err != nil {
			return err
		}
		return a.mapStatus("inbounds.list", status, nil)
	})
	if err != nil {
		return nil, err
	}

	var page struct {
		Items []marzneshinService `json:"items"`
		Total int                 `json:"total"`
	}
	if err := json.Unmarshal(raw, &page); err == nil && len(page.Items) > 0 {
		return page.Items, nil
	}
	var bare []marzneshinService
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, nil
	}
	return nil, nil
}

// inboundProtocols maps inbound id to protocol. The endpoint answers either
// a protocol-keyed dict or a flat item list depending on version.
func (a *MarzneshinAdapter) inboundProtocols(ctx context.Context) (map[int]model.Protocol, error) {
	var raw json.RawMessage
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "inbounds.protocols", http.MethodGet, a.url("/api/inbounds"), nil, &raw)
		if err != nil {
			return err
		}
		return a.mapStatus("inbounds.protocols", status, nil)
	})
	if err != nil {
		return nil, err
	}

	type inboundDoc struct {
		Id       int    `json:"id"`
		Tag      string `json:"tag"`
		Protocol string `json:"protocol"`
	}
	out := map[int]model.Protocol{}

	var byProto map[string][]inboundDoc
	if err := json.Unmarshal(raw, &byProto); err == nil && len(byProto) > 0 {
		for proto, docs := range byProto {
			for _, doc := range docs {
				out[doc.Id] = model.Protocol(proto)
			}
		}
		return out, nil
	}
	var page struct {
		Items []inboundDoc `json:"items"`
	}
	if err := json.Unmarshal(raw, &page); err == nil && len(page.Items) > 0 {
		for _, doc := range page.Items {
			out[doc.Id] = model.Protocol(doc.Protocol)
		}
		return out, nil
	}
	var flat []inboundDoc
	if err := json.Unmarshal(raw, &flat); err == nil {
		for _, doc := range flat {
			out[doc.Id] = model.Protocol(doc.Protocol)
		}
	}
	return out, nil
}

func (a *MarzneshinAdapter) CreateClient(ctx context.Context, inboundId int, name string, protocol model.Protocol, expireDays int, quotaGB float64) (*CreateResult, error) {
	return a.createUser(ctx, []int{inboundId}, name, protocol, expireDays, quotaGB)
}

func (a *MarzneshinAdapter) CreateOnAllInbounds(ctx context.Context, name string, expireDays int, quotaGB float64) (*FanoutResult, error) {
	services, err := a.listServices(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(services))
	for _, svc := range services {
		ids = append(ids, svc.Id)
	}
	created, err := a.createUser(ctx, ids, name, model.VLESS, expireDays, quotaGB)
	if err != nil {
		return nil, err
	}
	res := &FanoutResult{
		CreatedCount: 1,
		SubId:        created.SubId,
		RemoteUUID:   created.RemoteUUID,
		Protocol:     created.Protocol,
	}
	if len(ids) > 0 {
		res.PrimaryInboundId = ids[0]
	}
	return res, nil
}

func (a *MarzneshinAdapter) createUser(ctx context.Context, serviceIds []int, name string, protocol model.Protocol, expireDays int, quotaGB float64) (*CreateResult, error) {
	if protocol == "" {
		protocol = model.VLESS
	}
	body := map[string]any{
		"username":                  name,
		"data_limit":                common.GBToBytes(quotaGB),
		"data_limit_reset_strategy": "no_reset",
		"service_ids":               serviceIds,
		"note":                      "",
	}
	if expireDays > 0 {
		body["expire_strategy"] = "fixed_date"
		body["expire_date"] = expireDateFromDays(expireDays)
	} else {
		body["expire_strategy"] = "never"
	}

	var out marzneshinUserResp
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.create", http.MethodPost, a.url("/api/users"), body, &out)
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
		SubId:      a.subToken(&out.marzneshinUser),
		Protocol:   protocol,
	}, nil
}

func (a *MarzneshinAdapter) fetchUser(ctx context.Context, username string) (*marzneshinUser, error) {
	var user marzneshinUserResp
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.get", http.MethodGet, a.url("/api/users/"+url.PathEscape(username)), nil, &user)
		if err != nil {
			return err
		}
		return a.mapStatus("client.get", status, &user.marzbanErrorBody)
	})
	if err != nil {
		return nil, err
	}
	return &user.marzneshinUser, nil
}

// getUser resolves an identifier to a user. Identifiers that look like a
// proxy uuid rather than a username fall back to the panel's search, which
// scans key material as well as names.
func (a *MarzneshinAdapter) getUser(ctx context.Context, id string) (*marzneshinUser, error) {
	user, err := a.fetchUser(ctx, id)
	if err != ErrNotFound {
		return user, err
	}
	if !strings.Contains(id, "-") {
		return nil, ErrNotFound
	}

	var raw json.RawMessage
	err = withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.search", http.MethodGet, a.url("/api/users?search="+url.QueryEscape(id)), nil, &raw)
		if err != nil {
			return err
		}
		return a.mapStatus("client.search", status, nil)
	})
	if err != nil {
		return nil, err
	}
	var page struct {
		Items []marzneshinUser `json:"items"`
	}
	if err := json.Unmarshal(raw, &page); err != nil || len(page.Items) == 0 {
		return nil, ErrNotFound
	}
	return &page.Items[0], nil
}

func (a *MarzneshinAdapter) GetClientDetails(ctx context.Context, inboundId int, remoteUUID string, moved MovedFunc) (*Details, error) {
	user, err := a.getUser(ctx, remoteUUID)
	if err != nil {
		return nil, err
	}
	return marzneshinDetails(user, inboundId), nil
}

func marzneshinDetails(user *marzneshinUser, inboundId int) *Details {
	var expiryMs int64
	if user.ExpireStrategy == "fixed_date" {
		expiryMs = parseOnlineAt(user.ExpireDate)
	}
	return &Details{
		Enable:       user.Enabled,
		TotalBytes:   user.DataLimit,
		UsedBytes:    user.UsedTraffic,
		ExpiryMs:     expiryMs,
		LastOnlineMs: parseOnlineAt(user.OnlineAt),
		InboundId:    inboundId,
	}
}

// Snapshot pages through the plural user listing, keyed by username.
func (a *MarzneshinAdapter) Snapshot(ctx context.Context) (map[string]Details, error) {
	snapshot := make(map[string]Details)
	for page := 1; page <= snapshotPageCap; page++ {
		var out struct {
			Items []marzneshinUser `json:"items"`
			Total int              `json:"total"`
		}
		err := withRelogin(ctx, a.name, a.login, func() error {
			path := a.url(fmt.Sprintf("/api/users?page=%d&size=%d", page, snapshotPageSize))
			status, err := a.doJSON(ctx, "clients.snapshot", http.MethodGet, path, nil, &out)
			if err != nil {
				return err
			}
			return a.mapStatus("clients.snapshot", status, nil)
		})
		if err != nil {
			return nil, err
		}
		for i := range out.Items {
			u := &out.Items[i]
			snapshot[u.Username] = *marzneshinDetails(u, 0)
		}
		if len(out.Items) < snapshotPageSize || len(snapshot) >= out.Total {
			break
		}
	}
	return snapshot, nil
}

// putUser writes an update. The API rejects bodies without the username
// field, so every update re-includes it.
func (a *MarzneshinAdapter) putUser(ctx context.Context, op, username string, body map[string]any) (*marzneshinUser, error) {
	body["username"] = username

	var out marzneshinUserResp
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, op, http.MethodPut, a.url("/api/users/"+url.PathEscape(username)), body, &out)
		if err != nil {
			return err
		}
		return a.mapStatus(op, status, &out.marzbanErrorBody)
	})
	if err != nil {
		return nil, err
	}
	return &out.marzneshinUser, nil
}

func (a *MarzneshinAdapter) UpdateQuota(ctx context.Context, inboundId int, remoteUUID string, quotaGB float64) error {
	_, err := a.putUser(ctx, "client.update_quota", remoteUUID, map[string]any{
		"data_limit": common.GBToBytes(quotaGB),
	})
	return err
}

func (a *MarzneshinAdapter) UpdateExpiry(ctx context.Context, inboundId int, remoteUUID string, expiryMs int64) error {
	body := map[string]any{}
	if expiryMs <= 0 {
		body["expire_strategy"] = "never"
		body["expire_date"] = nil
	} else {
		body["expire_strategy"] = "fixed_date"
		body["expire_date"] = time.UnixMilli(expiryMs).UTC().Format(time.RFC3339)
	}
	_, err := a.putUser(ctx, "client.update_expiry", remoteUUID, body)
	return err
}

func (a *MarzneshinAdapter) ResetUsage(ctx context.Context, inboundId int, remoteUUID string) error {
	return withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.reset_usage", http.MethodPost, a.url("/api/users/"+url.PathEscape(remoteUUID)+"/reset"), nil, nil)
		if err != nil {
			return err
		}
		return a.mapStatus("client.reset_usage", status, nil)
	})
}

func (a *MarzneshinAdapter) SetEnabled(ctx context.Context, inboundId int, remoteUUID string, enable bool) error {
	action := "disable"
	op := "client.disable"
	if enable {
		action = "enable"
		op = "client.enable"
	}
	return withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, op, http.MethodPost, a.url("/api/users/"+url.PathEscape(remoteUUID)+"/"+action), nil, nil)
		if err != nil {
			return err
		}
		return a.mapStatus(op, status, nil)
	})
}

func (a *MarzneshinAdapter) ResetIdentity(ctx context.Context, inboundId int, remoteUUID string) (*ResetResult, error) {
	var out marzneshinUserResp
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.reset_identity", http.MethodPost, a.url("/api/users/"+url.PathEscape(remoteUUID)+"/revoke_sub"), nil, &out)
		if err != nil {
			return err
		}
		return a.mapStatus("client.reset_identity", status, &out.marzbanErrorBody)
	})
	if err != nil {
		return nil, err
	}
	return &ResetResult{
		NewUUID: remoteUUID,
		SubId:   a.subToken(&out.marzneshinUser),
	}, nil
}

func (a *MarzneshinAdapter) DeleteClient(ctx context.Context, inboundId int, remoteUUID string) error {
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.delete", http.MethodDelete, a.url("/api/users/"+url.PathEscape(remoteUUID)), nil, nil)
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

func (a *MarzneshinAdapter) SubscriptionLink(subIdOrUUID string, protocol model.Protocol) string {
	return aggregateLink(a.subBase, subIdOrUUID)
}

// subToken extracts the stored subscription token, falling back to the
// username when the panel omits the url. Relative urls are resolved against
// the panel base first.
func (a *MarzneshinAdapter) subToken(user *marzneshinUser) string {
	if user.SubscriptionUrl != "" {
		return subTokenFromURL(a.absURL(user.SubscriptionUrl))
	}
	return user.Username
}

func expireDateFromDays(days int) string {
	return time.Now().Add(time.Duration(days) * 24 * time.Hour).UTC().Format(time.RFC3339)
}
