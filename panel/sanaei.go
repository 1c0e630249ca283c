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
	"github.com/xlzd/gotp"

	"panelbridge/database/model"
	"panelbridge/logger"
	"panelbridge/util/common"
	"panelbridge/util/random"
)

const (
	sanaeiSessionTTL = 55 * time.Minute
	subIdLength      = 16
)

// apiResponse is the {success,msg,obj} envelope every 3x-ui route wraps its
// payload in.
type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// sanaeiInbound mirrors the panel's inbound rows. Client objects ride inside
// the settings field, which is JSON encoded as a string.
type sanaeiInbound struct {
	Id          int                `json:"id"`
	Remark      string             `json:"remark"`
	Enable      bool               `json:"enable"`
	Port        int                `json:"port"`
	Protocol    string             `json:"protocol"`
	Settings    string             `json:"settings"`
	ClientStats []sanaeiClientStat `json:"clientStats"`
}

type sanaeiClientStat struct {
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	Total      int64  `json:"total"`
	ExpiryTime int64  `json:"expiryTime"`
	LastOnline int64  `json:"lastOnline"`
}

type sanaeiClient struct {
	Id         string `json:"id"`
	Flow       string `json:"flow,omitempty"`
	Email      string `json:"email"`
	LimitIp    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgId       string `json:"tgId"`
	SubId      string `json:"subId"`
	Comment    string `json:"comment"`
	Reset      int    `json:"reset"`
}

type sanaeiSettings struct {
	Clients []sanaeiClient `json:"clients"`
}

// sanaeiLocated pairs an inbound-level client with the inbound it lives on.
type sanaeiLocated struct {
	inbound sanaeiInbound
	client  sanaeiClient
}

// SanaeiAdapter speaks the 3x-ui dialect: session cookie auth, numeric
// inbound ids, per-inbound client objects embedded in a settings JSON string,
// quotas in bytes and expiry in unix milliseconds.
//
// A multi-inbound purchase materializes as one client object per inbound
// sharing a subscription id. Mutating operations resolve the whole sibling
// set from the given uuid, so disable/delete/quota changes cover every
// listener of the purchase.
type SanaeiAdapter struct {
	*restClient
	username   string
	password   string
	totpSecret string
	subBase    string
	host       string
}

var _ Adapter = (*SanaeiAdapter)(nil)

func newSanaei(p *model.Panel) *SanaeiAdapter {
	rc := newRestClient(model.KindSanaei, p.Name, p.BaseUrl)
	host := ""
	if u, err := url.Parse(rc.base); err == nil {
		host = u.Hostname()
	}
	return &SanaeiAdapter{
		restClient: rc,
		username:   p.Username,
		password:   p.Password,
		totpSecret: p.TwoFactorSecret,
		subBase:    subBaseOrDefault(p.SubBaseUrl, rc.base),
		host:       host,
	}
}

func (a *SanaeiAdapter) Kind() model.PanelKind {
	return model.KindSanaei
}

func (a *SanaeiAdapter) Login(ctx context.Context) error {
	if a.sessionFresh() {
		return nil
	}
	return a.login(ctx)
}

func (a *SanaeiAdapter) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", a.username)
	form.Set("password", a.password)
	if a.totpSecret != "" {
		form.Set("twoFactorCode", gotp.NewDefaultTOTP(a.totpSecret).Now())
	}

	var res apiResponse
	status, err := a.doForm(ctx, "login", http.MethodPost, "/login", form, &res)
	if err != nil {
		return err
	}
	if transientStatus(status) {
		return &TransientError{Op: "login", Err: common.NewErrorf("status %d", status)}
	}
	if status != http.StatusOK || !res.Success {
		a.dropSession()
		reason := res.Msg
		if reason == "" {
			reason = fmt.Sprintf("status %d", status)
		}
		return &AuthError{Panel: a.name, Reason: reason}
	}
	a.markSession(sanaeiSessionTTL)
	return nil
}

// callAPI performs one authenticated call and maps the 3x-ui envelope onto
// the unified outcome set. A redirect on an API route means the session
// cookie died and the panel bounced us to its login page.
func (a *SanaeiAdapter) callAPI(ctx context.Context, op, method, path string, body, obj any) error {
	var res apiResponse
	status, err := a.doJSON(ctx, op, method, path, body, &res)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		a.dropSession()
		return errAuthExpired
	case status >= 300 && status < 400:
		a.dropSession()
		return errAuthExpired
	case transientStatus(status):
		return &TransientError{Op: op, Err: common.NewErrorf("status %d", status)}
	case status != http.StatusOK:
		return &ProtocolError{Op: op, Detail: fmt.Sprintf("status %d", status)}
	}
	if !res.Success {
		return &ProvisionError{Panel: a.name, Remote: res.Msg}
	}
	if obj != nil && len(res.Obj) > 0 {
		if err := json.Unmarshal(res.Obj, obj); err != nil {
			return &ProtocolError{Op: op, Detail: err.Error()}
		}
	}
	return nil
}

func (a *SanaeiAdapter) listRemoteInbounds(ctx context.Context) ([]sanaeiInbound, error) {
	var list []sanaeiInbound
	err := withRelogin(ctx, a.name, a.login, func() error {
		return a.callAPI(ctx, "inbounds.list", http.MethodGet, "/panel/api/inbounds/list", nil, &list)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Id < list[j].Id })
	return list, nil
}

func (a *SanaeiAdapter) ListInbounds(ctx context.Context) ([]Inbound, error) {
	remote, err := a.listRemoteInbounds(ctx)
	if err != nil {
		return nil, err
	}
	inbounds := make([]Inbound, 0, len(remote))
	for _, ib := range remote {
		inbounds = append(inbounds, Inbound{
			Id:       ib.Id,
			Tag:      ib.Remark,
			Protocol: model.Protocol(ib.Protocol),
			Port:     ib.Port,
			Enable:   ib.Enable,
		})
	}
	return inbounds, nil
}

// locate resolves every inbound-level client of the purchase remoteUUID
// belongs to: the client itself first, then siblings sharing its
// subscription id, wherever they currently live.
func (a *SanaeiAdapter) locate(ctx context.Context, remoteUUID string) ([]sanaeiLocated, error) {
	remote, err := a.listRemoteInbounds(ctx)
	if err != nil {
		return nil, err
	}

	var primary *sanaeiLocated
	var subId string
	for _, ib := range remote {
		for _, cl := range parseClients(ib.Settings) {
			if cl.Id == remoteUUID {
				primary = &sanaeiLocated{inbound: ib, client: cl}
				subId = cl.SubId
				break
			}
		}
		if primary != nil {
			break
		}
	}
	if primary == nil {
		return nil, ErrNotFound
	}

	located := []sanaeiLocated{*primary}
	if subId == "" {
		return located, nil
	}
	for _, ib := range remote {
		for _, cl := range parseClients(ib.Settings) {
			if cl.SubId == subId && cl.Id != remoteUUID {
				located = append(located, sanaeiLocated{inbound: ib, client: cl})
			}
		}
	}
	return located, nil
}

func parseClients(settings string) []sanaeiClient {
	if settings == "" {
		return nil
	}
	var s sanaeiSettings
	if err := json.Unmarshal([]byte(settings), &s); err != nil {
		logger.Debug("unparseable inbound settings:", err)
		return nil
	}
	return s.Clients
}

func (a *SanaeiAdapter) CreateClient(ctx context.Context, inboundId int, name string, protocol model.Protocol, expireDays int, quotaGB float64) (*CreateResult, error) {
	remote, err := a.listRemoteInbounds(ctx)
	if err != nil {
		return nil, err
	}
	var target *sanaeiInbound
	for i := range remote {
		if remote[i].Id == inboundId {
			target = &remote[i]
			break
		}
	}
	if target == nil {
		return nil, &ProvisionError{Panel: a.name, Remote: fmt.Sprintf("inbound %d does not exist", inboundId)}
	}
	return a.createOn(ctx, target, name, expireDays, quotaGB, random.LowerSeq(subIdLength))
}

func (a *SanaeiAdapter) createOn(ctx context.Context, ib *sanaeiInbound, email string, expireDays int, quotaGB float64, subId string) (*CreateResult, error) {
	client := sanaeiClient{
		Id:         uuid.NewString(),
		Email:      email,
		Enable:     true,
		TotalGB:    common.GBToBytes(quotaGB),
		ExpiryTime: expiryFromDays(expireDays),
		SubId:      subId,
	}
	payload, err := addClientPayload(ib.Id, client)
	if err != nil {
		return nil, err
	}
	err = withRelogin(ctx, a.name, a.login, func() error {
		return a.callAPI(ctx, "client.create", http.MethodPost, "/panel/api/inbounds/addClient", payload, nil)
	})
	if err != nil {
		return nil, err
	}
	return &CreateResult{
		RemoteUUID: client.Id,
		SubId:      subId,
		Protocol:   model.Protocol(ib.Protocol),
		Host:       a.host,
		Port:       ib.Port,
	}, nil
}

func addClientPayload(inboundId int, client sanaeiClient) (map[string]any, error) {
	settings, err := json.Marshal(sanaeiSettings{Clients: []sanaeiClient{client}})
	if err != nil {
		return nil, &ProtocolError{Op: "client.create", Detail: err.Error()}
	}
	return map[string]any{"id": inboundId, "settings": string(settings)}, nil
}

// CreateOnAllInbounds provisions one client object per enabled inbound under
// a single subscription id. Emails carry an inbound suffix past the first,
// the panel requires them unique across inbounds. Partially failed fan-out is
// reported through Failed, never rolled back.
func (a *SanaeiAdapter) CreateOnAllInbounds(ctx context.Context, name string, expireDays int, quotaGB float64) (*FanoutResult, error) {
	remote, err := a.listRemoteInbounds(ctx)
	if err != nil {
		return nil, err
	}

	subId := random.LowerSeq(subIdLength)
	res := &FanoutResult{SubId: subId}
	for i := range remote {
		ib := &remote[i]
		if !ib.Enable {
			continue
		}
		email := name
		if res.CreatedCount > 0 {
			email = fmt.Sprintf("%s-%d", name, ib.Id)
		}
		created, err := a.createOn(ctx, ib, email, expireDays, quotaGB, subId)
		if err != nil {
			res.Failed = append(res.Failed, fmt.Sprintf("inbound %d: %v", ib.Id, err))
			logger.Warningf("fan-out create on panel %s inbound %d failed: %v", a.name, ib.Id, err)
			continue
		}
		if res.CreatedCount == 0 {
			res.RemoteUUID = created.RemoteUUID
			res.Protocol = created.Protocol
			res.PrimaryInboundId = ib.Id
		}
		res.CreatedCount++
	}
	if res.CreatedCount == 0 && len(res.Failed) > 0 {
		return res, &ProvisionError{Panel: a.name, Remote: strings.Join(res.Failed, "; ")}
	}
	return res, nil
}

// GetClientDetails reads the live state of the client's primary object. When
// the client turns up on a different inbound than the caller recorded, moved
// fires with the actual inbound id.
func (a *SanaeiAdapter) GetClientDetails(ctx context.Context, inboundId int, remoteUUID string, moved MovedFunc) (*Details, error) {
	located, err := a.locate(ctx, remoteUUID)
	if err != nil {
		return nil, err
	}
	primary := located[0]
	if primary.inbound.Id != inboundId && moved != nil {
		moved(primary.inbound.Id)
	}

	details := &Details{
		Enable:     primary.client.Enable,
		TotalBytes: primary.client.TotalGB,
		ExpiryMs:   normalizeExpiryMs(primary.client.ExpiryTime),
		InboundId:  primary.inbound.Id,
	}
	for _, stat := range primary.inbound.ClientStats {
		if stat.Email == primary.client.Email {
			details.UsedBytes = stat.Up + stat.Down
			details.LastOnlineMs = stat.LastOnline
			if details.ExpiryMs == 0 {
				details.ExpiryMs = normalizeExpiryMs(stat.ExpiryTime)
			}
			break
		}
	}
	return details, nil
}

// Snapshot walks every inbound once and keys the result by client uuid. One
// listing covers all clients, traffic stats included.
func (a *SanaeiAdapter) Snapshot(ctx context.Context) (map[string]Details, error) {
	remote, err := a.listRemoteInbounds(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]Details)
	for _, ib := range remote {
		stats := make(map[string]sanaeiClientStat, len(ib.ClientStats))
		for _, stat := range ib.ClientStats {
			stats[stat.Email] = stat
		}
		for _, cl := range parseClients(ib.Settings) {
			if _, dup := snapshot[cl.Id]; dup {
				continue
			}
			d := Details{
				Enable:     cl.Enable,
				TotalBytes: cl.TotalGB,
				ExpiryMs:   normalizeExpiryMs(cl.ExpiryTime),
				InboundId:  ib.Id,
			}
			if stat, ok := stats[cl.Email]; ok {
				d.UsedBytes = stat.Up + stat.Down
				d.LastOnlineMs = stat.LastOnline
				if d.ExpiryMs == 0 {
					d.ExpiryMs = normalizeExpiryMs(stat.ExpiryTime)
				}
			}
			snapshot[cl.Id] = d
		}
	}
	return snapshot, nil
}

func (a *SanaeiAdapter) UpdateQuota(ctx context.Context, inboundId int, remoteUUID string, quotaGB float64) error {
	return a.mutateClients(ctx, remoteUUID, func(cl *sanaeiClient) {
		cl.TotalGB = common.GBToBytes(quotaGB)
	})
}

func (a *SanaeiAdapter) UpdateExpiry(ctx context.Context, inboundId int, remoteUUID string, expiryMs int64) error {
	return a.mutateClients(ctx, remoteUUID, func(cl *sanaeiClient) {
		cl.ExpiryTime = expiryMs
	})
}

func (a *SanaeiAdapter) SetEnabled(ctx context.Context, inboundId int, remoteUUID string, enable bool) error {
	return a.mutateClients(ctx, remoteUUID, func(cl *sanaeiClient) {
		cl.Enable = enable
	})
}

// mutateClients applies change to every inbound-level client of the purchase
// and writes each one back through updateClient.
func (a *SanaeiAdapter) mutateClients(ctx context.Context, remoteUUID string, change func(*sanaeiClient)) error {
	located, err := a.locate(ctx, remoteUUID)
	if err != nil {
		return err
	}
	for _, lc := range located {
		client := lc.client
		change(&client)
		if err := a.updateClient(ctx, lc.inbound.Id, lc.client.Id, client); err != nil {
			return err
		}
	}
	return nil
}

func (a *SanaeiAdapter) updateClient(ctx context.Context, inboundId int, clientId string, client sanaeiClient) error {
	payload, err := addClientPayload(inboundId, client)
	if err != nil {
		return err
	}
	path := "/panel/api/inbounds/updateClient/" + url.PathEscape(clientId)
	return withRelogin(ctx, a.name, a.login, func() error {
		return a.callAPI(ctx, "client.update", http.MethodPost, path, payload, nil)
	})
}

func (a *SanaeiAdapter) ResetUsage(ctx context.Context, inboundId int, remoteUUID string) error {
	located, err := a.locate(ctx, remoteUUID)
	if err != nil {
		return err
	}
	for _, lc := range located {
		path := fmt.Sprintf("/panel/api/inbounds/%d/resetClientTraffic/%s", lc.inbound.Id, url.PathEscape(lc.client.Email))
		err := withRelogin(ctx, a.name, a.login, func() error {
			return a.callAPI(ctx, "client.reset_usage", http.MethodPost, path, nil, nil)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ResetIdentity rotates the uuid of every inbound-level client of the
// purchase while keeping the subscription id, so already-issued aggregate
// links keep resolving and every previously exported single config dies.
func (a *SanaeiAdapter) ResetIdentity(ctx context.Context, inboundId int, remoteUUID string) (*ResetResult, error) {
	located, err := a.locate(ctx, remoteUUID)
	if err != nil {
		return nil, err
	}

	res := &ResetResult{SubId: located[0].client.SubId}
	for _, lc := range located {
		client := lc.client
		client.Id = uuid.NewString()
		if err := a.updateClient(ctx, lc.inbound.Id, lc.client.Id, client); err != nil {
			return nil, err
		}
		if lc.client.Id == remoteUUID {
			res.NewUUID = client.Id
		}
	}
	return res, nil
}

// DeleteClient removes every inbound-level client of the purchase. A client
// that is already gone counts as success.
func (a *SanaeiAdapter) DeleteClient(ctx context.Context, inboundId int, remoteUUID string) error {
	located, err := a.locate(ctx, remoteUUID)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	for _, lc := range located {
		path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", lc.inbound.Id, url.PathEscape(lc.client.Id))
		err := withRelogin(ctx, a.name, a.login, func() error {
			return a.callAPI(ctx, "client.delete", http.MethodPost, path, nil, nil)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *SanaeiAdapter) SubscriptionLink(subIdOrUUID string, protocol model.Protocol) string {
	return aggregateLink(a.subBase, subIdOrUUID)
}

func expiryFromDays(days int) int64 {
	if days <= 0 {
		return 0
	}
	return time.Now().Add(time.Duration(days) * 24 * time.Hour).UnixMilli()
}

// normalizeExpiryMs fixes second-resolution timestamps some panels hand back.
func normalizeExpiryMs(v int64) int64 {
	if v > 0 && v < 1e12 {
		return v * 1000
	}
	return v
}
