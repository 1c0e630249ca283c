package panel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"panelbridge/database/model"
	"panelbridge/util/common"
)

const pasargadTokenTTL = 23 * time.Hour

// pasargadUser extends the family user document with group attachment.
type pasargadUser struct {
	marzbanUser
	GroupIds []int `json:"group_ids,omitempty"`
}

type pasargadUserResp struct {
	pasargadUser
	marzbanErrorBody
}

type pasargadGroup struct {
	Id   int    `json:"id"`
	Name string `json:"name"`
}

// PasargadAdapter speaks a Marzban fork that organizes access by groups and
// is frequently deployed behind path-rewriting proxies, so the token
// endpoint is probed across URL variations until one answers. A 401 from any
// variation is a hard credential failure, not a wrong path.
type PasargadAdapter struct {
	*restClient
	username string
	password string
	subBase  string

	prefixMu sync.Mutex
	apiBase  string
}

var _ Adapter = (*PasargadAdapter)(nil)

func newPasargad(p *model.Panel) *PasargadAdapter {
	rc := newRestClient(model.KindPasargad, p.Name, p.BaseUrl)
	return &PasargadAdapter{
		restClient: rc,
		username:   p.Username,
		password:   p.Password,
		subBase:    subBaseOrDefault(p.SubBaseUrl, rc.base),
	}
}

func (a *PasargadAdapter) Kind() model.PanelKind {
	return model.KindPasargad
}

func (a *PasargadAdapter) apiURL(path string) string {
	a.prefixMu.Lock()
	prefix := a.apiBase
	a.prefixMu.Unlock()
	if prefix == "" {
		prefix = a.base
	}
	return prefix + path
}

func (a *PasargadAdapter) setAPIBase(prefix string) {
	a.prefixMu.Lock()
	a.apiBase = prefix
	a.prefixMu.Unlock()
}

// loginCandidates yields the configured URL, its bare origin, then the
// configured path stripped one segment at a time.
func (a *PasargadAdapter) loginCandidates() []string {
	seen := map[string]bool{}
	var candidates []string
	add := func(s string) {
		s = strings.TrimRight(s, "/")
		if s != "" && !seen[s] {
			seen[s] = true
			candidates = append(candidates, s)
		}
	}

	add(a.base)
	if u, err := url.Parse(a.base); err == nil && u.Host != "" {
		add(u.Scheme + "://" + u.Host)
		p := strings.TrimRight(u.Path, "/")
		for p != "" && p != "/" {
			idx := strings.LastIndex(p, "/")
			if idx < 0 {
				break
			}
			p = p[:idx]
			add(u.Scheme + "://" + u.Host + p)
		}
	}
	return candidates
}

func (a *PasargadAdapter) Login(ctx context.Context) error {
	if a.sessionFresh() {
		return nil
	}
	return a.login(ctx)
}

func (a *PasargadAdapter) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", a.username)
	form.Set("password", a.password)
	form.Set("grant_type", "password")

	for _, prefix := range a.loginCandidates() {
		var token marzbanToken
		status, err := a.doForm(ctx, "login", http.MethodPost, prefix+"/api/admin/token", form, &token)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			a.dropSession()
			return &AuthError{Panel: a.name, Reason: "credentials rejected"}
		case transientStatus(status):
			return &TransientError{Op: "login", Err: fmt.Errorf("status %d", status)}
		case status == http.StatusOK && token.AccessToken != "":
			a.setAPIBase(prefix)
			a.setBearer(token.AccessToken, pasargadTokenTTL)
			return nil
		}
	}
	a.dropSession()
	return &AuthError{Panel: a.name, Reason: "no answering token endpoint among URL variations"}
}

func (a *PasargadAdapter) mapStatus(op string, status int, body *marzbanErrorBody) error {
	return marzbanMapStatus(a.restClient, op, status, body)
}

// ListInbounds surfaces the panel's groups.
func (a *PasargadAdapter) ListInbounds(ctx context.Context) ([]Inbound, error) {
	var raw json.RawMessage
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "inbounds.list", http.MethodGet, a.apiURL("/api/groups"), nil, &raw)
		if err != nil {
			return err
		}
		return a.mapStatus("inbounds.list", status, nil)
	})
	if err != nil {
		return nil, err
	}

	groups := parseGroups(raw)
	inbounds := make([]Inbound, 0, len(groups))
	for _, g := range groups {
		inbounds = append(inbounds, Inbound{
			Id:       g.Id,
			Tag:      g.Name,
			Protocol: model.VLESS,
			Enable:   true,
		})
	}
	return inbounds, nil
}

func parseGroups(raw json.RawMessage) []pasargadGroup {
	if len(raw) == 0 {
		return nil
	}
	var wrapped struct {
		Groups []pasargadGroup `json:"groups"`
		Total  int             `json:"total"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Groups) > 0 {
		return wrapped.Groups
	}
	var bare []pasargadGroup
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare
	}
	return nil
}

func (a *PasargadAdapter) CreateClient(ctx context.Context, inboundId int, name string, protocol model.Protocol, expireDays int, quotaGB float64) (*CreateResult, error) {
	return a.createUser(ctx, []int{inboundId}, name, protocol, expireDays, quotaGB)
}

func (a *PasargadAdapter) CreateOnAllInbounds(ctx context.Context, name string, expireDays int, quotaGB float64) (*FanoutResult, error) {
	inbounds, err := a.ListInbounds(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(inbounds))
	for _, ib := range inbounds {
		if ib.Enable {
			ids = append(ids, ib.Id)
		}
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

func (a *PasargadAdapter) createUser(ctx context.Context, groupIds []int, name string, protocol model.Protocol, expireDays int, quotaGB float64) (*CreateResult, error) {
	if protocol == "" {
		protocol = model.VLESS
	}
	user := pasargadUser{
		marzbanUser: marzbanUser{
			Username:  name,
			Status:    "active",
			DataLimit: common.GBToBytes(quotaGB),
			Expire:    expirePtrFromDays(expireDays),
		},
		GroupIds: groupIds,
	}

	var out pasargadUserResp
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.create", http.MethodPost, a.apiURL("/api/user"), user, &out)
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

func (a *PasargadAdapter) getUser(ctx context.Context, username string) (*pasargadUser, error) {
	var user pasargadUserResp
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.get", http.MethodGet, a.apiURL("/api/user/"+url.PathEscape(username)), nil, &user)
		if err != nil {
			return err
		}
		return a.mapStatus("client.get", status, &user.marzbanErrorBody)
	})
	if err != nil {
		return nil, err
	}
	return &user.pasargadUser, nil
}

func (a *PasargadAdapter) GetClientDetails(ctx context.Context, inboundId int, remoteUUID string, moved MovedFunc) (*Details, error) {
	user, err := a.getUser(ctx, remoteUUID)
	if err != nil {
		return nil, err
	}
	return marzbanDetails(&user.marzbanUser, inboundId), nil
}

// Snapshot reads the user listing through the discovered API prefix, keyed by
// username.
func (a *PasargadAdapter) Snapshot(ctx context.Context) (map[string]Details, error) {
	var raw json.RawMessage
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "clients.snapshot", http.MethodGet, a.apiURL("/api/users"), nil, &raw)
		if err != nil {
			return err
		}
		return a.mapStatus("clients.snapshot", status, nil)
	})
	if err != nil {
		return nil, err
	}

	var users []pasargadUser
	var wrapped struct {
		Users []pasargadUser `json:"users"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Users) > 0 {
		users = wrapped.Users
	} else {
		var bare []pasargadUser
		if err := json.Unmarshal(raw, &bare); err == nil {
			users = bare
		}
	}

	snapshot := make(map[string]Details, len(users))
	for i := range users {
		snapshot[users[i].Username] = *marzbanDetails(&users[i].marzbanUser, 0)
	}
	return snapshot, nil
}

// mutateUser is the fork's read-then-PUT cycle: fetch the current document,
// apply the change, write the full update body back.
func (a *PasargadAdapter) mutateUser(ctx context.Context, op, username string, change func(*pasargadUser)) error {
	user, err := a.getUser(ctx, username)
	if err != nil {
		return err
	}
	change(user)

	body := map[string]any{
		"data_limit": user.DataLimit,
		"group_ids":  user.GroupIds,
		"status":     user.Status,
	}
	if user.Expire != nil && *user.Expire > 0 {
		body["expire"] = *user.Expire
	} else {
		body["expire"] = nil
	}

	var out pasargadUserResp
	return withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, op, http.MethodPut, a.apiURL("/api/user/"+url.PathEscape(username)), body, &out)
		if err != nil {
			return err
		}
		return a.mapStatus(op, status, &out.marzbanErrorBody)
	})
}

func (a *PasargadAdapter) UpdateQuota(ctx context.Context, inboundId int, remoteUUID string, quotaGB float64) error {
	return a.mutateUser(ctx, "client.update_quota", remoteUUID, func(u *pasargadUser) {
		u.DataLimit = common.GBToBytes(quotaGB)
	})
}

func (a *PasargadAdapter) UpdateExpiry(ctx context.Context, inboundId int, remoteUUID string, expiryMs int64) error {
	return a.mutateUser(ctx, "client.update_expiry", remoteUUID, func(u *pasargadUser) {
		if expiryMs <= 0 {
			u.Expire = nil
			return
		}
		v := expiryMs / 1000
		u.Expire = &v
	})
}

func (a *PasargadAdapter) ResetUsage(ctx context.Context, inboundId int, remoteUUID string) error {
	return withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.reset_usage", http.MethodPost, a.apiURL("/api/user/"+url.PathEscape(remoteUUID)+"/reset"), nil, nil)
		if err != nil {
			return err
		}
		return a.mapStatus("client.reset_usage", status, nil)
	})
}

func (a *PasargadAdapter) SetEnabled(ctx context.Context, inboundId int, remoteUUID string, enable bool) error {
	return a.mutateUser(ctx, "client.set_enabled", remoteUUID, func(u *pasargadUser) {
		if enable {
			u.Status = "active"
		} else {
			u.Status = "disabled"
		}
	})
}

func (a *PasargadAdapter) ResetIdentity(ctx context.Context, inboundId int, remoteUUID string) (*ResetResult, error) {
	var out pasargadUserResp
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.reset_identity", http.MethodPost, a.apiURL("/api/user/"+url.PathEscape(remoteUUID)+"/revoke_sub"), nil, &out)
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
		SubId:   subTokenFromURL(a.absURL(out.SubscriptionUrl)),
	}, nil
}

func (a *PasargadAdapter) DeleteClient(ctx context.Context, inboundId int, remoteUUID string) error {
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.delete", http.MethodDelete, a.apiURL("/api/user/"+url.PathEscape(remoteUUID)), nil, nil)
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

func (a *PasargadAdapter) SubscriptionLink(subIdOrUUID string, protocol model.Protocol) string {
	return aggregateLink(a.subBase, subIdOrUUID)
}
