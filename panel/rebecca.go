package panel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"panelbridge/database/model"
	"panelbridge/util/common"
)

const rebeccaTokenTTL = 55 * time.Minute

// rebeccaUser extends the family user document with the fork's service
// attachment fields.
type rebeccaUser struct {
	marzbanUser
	ServiceId int   `json:"service_id,omitempty"`
	Services  []int `json:"services,omitempty"`
}

type rebeccaService struct {
	Id   int    `json:"id"`
	Name string `json:"name"`
}

// RebeccaAdapter speaks a Marzban fork where plans ("services") play the
// inbound role and subscriptions are keyed by a dash-less token. The
// subscription base URL is usually a separate host from the API.
type RebeccaAdapter struct {
	*restClient
	username string
	password string
	subBase  string
}

var _ Adapter = (*RebeccaAdapter)(nil)

func newRebecca(p *model.Panel) *RebeccaAdapter {
	rc := newRestClient(model.KindRebecca, p.Name, p.BaseUrl)
	return &RebeccaAdapter{
		restClient: rc,
		username:   p.Username,
		password:   p.Password,
		subBase:    subBaseOrDefault(p.SubBaseUrl, rc.base),
	}
}

func (a *RebeccaAdapter) Kind() model.PanelKind {
	return model.KindRebecca
}

func (a *RebeccaAdapter) Login(ctx context.Context) error {
	if a.sessionFresh() {
		return nil
	}
	return a.login(ctx)
}

// login tries the standard password-grant form first; some builds of the
// fork only accept a JSON body.
func (a *RebeccaAdapter) login(ctx context.Context) error {
	err := oauthLogin(ctx, a.restClient, "/api/admin/token", a.username, a.password, rebeccaTokenTTL)
	if err == nil {
		return nil
	}
	var ae *AuthError
	if !errors.As(err, &ae) {
		return err
	}

	var token marzbanToken
	body := map[string]string{"username": a.username, "password": a.password}
	status, jsonErr := a.doJSON(ctx, "login", http.MethodPost, "/api/admin/token", body, &token)
	if jsonErr != nil {
		return err
	}
	if status != http.StatusOK || token.AccessToken == "" {
		return err
	}
	a.setBearer(token.AccessToken, rebeccaTokenTTL)
	return nil
}

func (a *RebeccaAdapter) mapStatus(op string, status int, body *marzbanErrorBody) error {
	return marzbanMapStatus(a.restClient, op, status, body)
}

// ListInbounds surfaces the fork's services. Builds differ on the route and
// envelope, and very old ones have no service API at all, which degrades to
// a single synthetic default.
func (a *RebeccaAdapter) ListInbounds(ctx context.Context) ([]Inbound, error) {
	paths := []string{"/api/services", "/api/service", "/api/services/list"}
	for _, path := range paths {
		var raw json.RawMessage
		var status int
		err := withRelogin(ctx, a.name, a.login, func() error {
			var err error
			status, err = a.doJSON(ctx, "inbounds.list", http.MethodGet, path, nil, &raw)
			if err != nil {
				return err
			}
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				a.dropSession()
				return errAuthExpired
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
			continue
		}
		if transientStatus(status) {
			return nil, &TransientError{Op: "inbounds.list", Err: fmt.Errorf("status %d", status)}
		}
		if status != http.StatusOK {
			continue
		}
		if services := parseServices(raw); len(services) > 0 {
			inbounds := make([]Inbound, 0, len(services))
			for _, svc := range services {
				inbounds = append(inbounds, Inbound{
					Id:       svc.Id,
					Tag:      svc.Name,
					Protocol: model.VLESS,
					Enable:   true,
				})
			}
			return inbounds, nil
		}
	}
	return []Inbound{{Id: 1, Tag: "default", Protocol: model.VLESS, Enable: true}}, nil
}

func parseServices(raw json.RawMessage) []rebeccaService {
	if len(raw) == 0 {
		return nil
	}
	var bare []rebeccaService
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare
	}
	var wrapped struct {
		Services []rebeccaService `json:"services"`
		Items    []rebeccaService `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if len(wrapped.Services) > 0 {
			return wrapped.Services
		}
		return wrapped.Items
	}
	return nil
}

func (a *RebeccaAdapter) CreateClient(ctx context.Context, inboundId int, name string, protocol model.Protocol, expireDays int, quotaGB float64) (*CreateResult, error) {
	return a.createUser(ctx, []int{inboundId}, name, protocol, expireDays, quotaGB)
}

func (a *RebeccaAdapter) CreateOnAllInbounds(ctx context.Context, name string, expireDays int, quotaGB float64) (*FanoutResult, error) {
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

func (a *RebeccaAdapter) createUser(ctx context.Context, serviceIds []int, name string, protocol model.Protocol, expireDays int, quotaGB float64) (*CreateResult, error) {
	if protocol == "" {
		protocol = model.VLESS
	}
	user := rebeccaUser{
		marzbanUser: marzbanUser{
			Username:               name,
			Status:                 "active",
			Proxies:                map[string]marzbanProxy{string(protocol): {Id: uuid.NewString(), Flow: "xtls-rprx-vision"}},
			DataLimit:              common.GBToBytes(quotaGB),
			DataLimitResetStrategy: "no_reset",
			Expire:                 expirePtrFromDays(expireDays),
		},
	}
	if len(serviceIds) > 0 {
		user.ServiceId = serviceIds[0]
		user.Services = serviceIds
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

	subId := dashless(subTokenFromURL(a.absURL(out.SubscriptionUrl)))
	if subId == "" {
		subId = dashless(uuid.NewString())
	}
	return &CreateResult{
		RemoteUUID: out.Username,
		SubId:      subId,
		Protocol:   protocol,
	}, nil
}

// getUser resolves a username directly, then lowercased, then through the
// search endpoint matched on the dash-less subscription token. The fork is
// inconsistent about username casing across builds.
func (a *RebeccaAdapter) getUser(ctx context.Context, username string) (*marzbanUser, error) {
	for _, candidate := range []string{username, strings.ToLower(username)} {
		var user marzbanUserResp
		var status int
		err := withRelogin(ctx, a.name, a.login, func() error {
			var err error
			status, err = a.doJSON(ctx, "client.get", http.MethodGet, "/api/user/"+url.PathEscape(candidate), nil, &user)
			if err != nil {
				return err
			}
			if status == http.StatusNotFound {
				return nil
			}
			return a.mapStatus("client.get", status, &user.marzbanErrorBody)
		})
		if err != nil {
			return nil, err
		}
		if status == http.StatusOK {
			return &user.marzbanUser, nil
		}
		if candidate == strings.ToLower(username) {
			break
		}
	}
	return a.searchUser(ctx, username)
}

func (a *RebeccaAdapter) searchUser(ctx context.Context, key string) (*marzbanUser, error) {
	var out struct {
		Users []marzbanUser `json:"users"`
	}
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.search", http.MethodGet, "/api/users?search="+url.QueryEscape(key), nil, &out)
		if err != nil {
			return err
		}
		return a.mapStatus("client.search", status, nil)
	})
	if err != nil {
		return nil, err
	}
	needle := dashless(key)
	for i := range out.Users {
		u := &out.Users[i]
		if strings.EqualFold(u.Username, key) || dashless(subTokenFromURL(u.SubscriptionUrl)) == needle {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (a *RebeccaAdapter) GetClientDetails(ctx context.Context, inboundId int, remoteUUID string, moved MovedFunc) (*Details, error) {
	user, err := a.getUser(ctx, remoteUUID)
	if err != nil {
		return nil, err
	}
	return marzbanDetails(user, inboundId), nil
}

// Snapshot reads the whole user listing in one call. The fork paginates
// inconsistently across builds, so the plain listing is taken as-is and a
// missing row falls back to the caller's direct lookup.
func (a *RebeccaAdapter) Snapshot(ctx context.Context) (map[string]Details, error) {
	var raw json.RawMessage
	err := withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "clients.snapshot", http.MethodGet, "/api/users", nil, &raw)
		if err != nil {
			return err
		}
		return a.mapStatus("clients.snapshot", status, nil)
	})
	if err != nil {
		return nil, err
	}

	var users []marzbanUser
	var wrapped struct {
		Users []marzbanUser `json:"users"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Users) > 0 {
		users = wrapped.Users
	} else {
		var bare []marzbanUser
		if err := json.Unmarshal(raw, &bare); err == nil {
			users = bare
		}
	}

	snapshot := make(map[string]Details, len(users))
	for i := range users {
		snapshot[users[i].Username] = *marzbanDetails(&users[i], 0)
	}
	return snapshot, nil
}

func (a *RebeccaAdapter) putUser(ctx context.Context, op, username string, body any) error {
	user, err := a.getUser(ctx, username)
	if err != nil {
		return err
	}
	var out marzbanUserResp
	return withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, op, http.MethodPut, "/api/user/"+url.PathEscape(user.Username), body, &out)
		if err != nil {
			return err
		}
		return a.mapStatus(op, status, &out.marzbanErrorBody)
	})
}

func (a *RebeccaAdapter) UpdateQuota(ctx context.Context, inboundId int, remoteUUID string, quotaGB float64) error {
	return a.putUser(ctx, "client.update_quota", remoteUUID, map[string]any{"data_limit": common.GBToBytes(quotaGB)})
}

func (a *RebeccaAdapter) UpdateExpiry(ctx context.Context, inboundId int, remoteUUID string, expiryMs int64) error {
	return a.putUser(ctx, "client.update_expiry", remoteUUID, map[string]any{"expire": expireValueFromMs(expiryMs)})
}

func (a *RebeccaAdapter) ResetUsage(ctx context.Context, inboundId int, remoteUUID string) error {
	user, err := a.getUser(ctx, remoteUUID)
	if err != nil {
		return err
	}
	return withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.reset_usage", http.MethodPost, "/api/user/"+url.PathEscape(user.Username)+"/reset", nil, nil)
		if err != nil {
			return err
		}
		return a.mapStatus("client.reset_usage", status, nil)
	})
}

func (a *RebeccaAdapter) SetEnabled(ctx context.Context, inboundId int, remoteUUID string, enable bool) error {
	status := "disabled"
	if enable {
		status = "active"
	}
	return a.putUser(ctx, "client.set_enabled", remoteUUID, map[string]any{"status": status})
}

func (a *RebeccaAdapter) ResetIdentity(ctx context.Context, inboundId int, remoteUUID string) (*ResetResult, error) {
	user, err := a.getUser(ctx, remoteUUID)
	if err != nil {
		return nil, err
	}
	var out marzbanUserResp
	err = withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.reset_identity", http.MethodPost, "/api/user/"+url.PathEscape(user.Username)+"/revoke_sub", nil, &out)
		if err != nil {
			return err
		}
		return a.mapStatus("client.reset_identity", status, &out.marzbanErrorBody)
	})
	if err != nil {
		return nil, err
	}
	subId := dashless(subTokenFromURL(a.absURL(out.SubscriptionUrl)))
	if subId == "" {
		subId = dashless(uuid.NewString())
	}
	return &ResetResult{NewUUID: user.Username, SubId: subId}, nil
}

func (a *RebeccaAdapter) DeleteClient(ctx context.Context, inboundId int, remoteUUID string) error {
	user, err := a.getUser(ctx, remoteUUID)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	err = withRelogin(ctx, a.name, a.login, func() error {
		status, err := a.doJSON(ctx, "client.delete", http.MethodDelete, "/api/user/"+url.PathEscape(user.Username), nil, nil)
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

func (a *RebeccaAdapter) SubscriptionLink(subIdOrUUID string, protocol model.Protocol) string {
	return aggregateLink(a.subBase, dashless(subIdOrUUID))
}

func dashless(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "-", "")
}
