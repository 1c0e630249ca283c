package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"panelbridge/database"
	"panelbridge/database/model"
)

// callRecorder collects cross-server event ordering for saga assertions.
type callRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *callRecorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// wire shapes of the 3x-ui dialect, for the fixture panel.
type fxClient struct {
	Id         string `json:"id"`
	Email      string `json:"email"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	SubId      string `json:"subId"`
}

type fxStat struct {
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	Total      int64  `json:"total"`
	ExpiryTime int64  `json:"expiryTime"`
	LastOnline int64  `json:"lastOnline"`
}

type fxInbound struct {
	Id          int      `json:"id"`
	Remark      string   `json:"remark"`
	Enable      bool     `json:"enable"`
	Port        int      `json:"port"`
	Protocol    string   `json:"protocol"`
	Settings    string   `json:"settings"`
	ClientStats []fxStat `json:"clientStats"`
}

// fixturePanel is an in-memory 3x-ui backend for lifecycle tests.
type fixturePanel struct {
	name     string
	recorder *callRecorder

	mu           sync.Mutex
	inbounds     []fxInbound
	stats        map[string]fxStat
	failCreate   bool
	failDelete   bool
	requestCount int
}

func encodeClients(clients []fxClient) string {
	data, _ := json.Marshal(map[string][]fxClient{"clients": clients})
	return string(data)
}

func decodeClients(settings string) []fxClient {
	var s struct {
		Clients []fxClient `json:"clients"`
	}
	_ = json.Unmarshal([]byte(settings), &s)
	return s.Clients
}

func (f *fixturePanel) record(event string) {
	if f.recorder != nil {
		f.recorder.add(f.name + "." + event)
	}
}

func (f *fixturePanel) envelope(w http.ResponseWriter, success bool, msg string, obj any) {
	var raw json.RawMessage
	if obj != nil {
		raw, _ = json.Marshal(obj)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": success, "msg": msg, "obj": raw})
}

func (f *fixturePanel) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		f.envelope(w, true, "", nil)
	})
	mux.HandleFunc("/panel/api/inbounds/list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		list := make([]fxInbound, len(f.inbounds))
		copy(list, f.inbounds)
		for i := range list {
			list[i].ClientStats = nil
			for _, cl := range decodeClients(list[i].Settings) {
				if stat, ok := f.stats[cl.Email]; ok {
					list[i].ClientStats = append(list[i].ClientStats, stat)
				}
			}
		}
		f.envelope(w, true, "", list)
	})
	mux.HandleFunc("/panel/api/inbounds/addClient", func(w http.ResponseWriter, r *http.Request) {
		f.record("create")
		if f.failCreate {
			f.envelope(w, false, "create rejected", nil)
			return
		}
		var payload struct {
			Id       int    `json:"id"`
			Settings string `json:"settings"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		clients := decodeClients(payload.Settings)
		f.mu.Lock()
		defer f.mu.Unlock()
		for i := range f.inbounds {
			if f.inbounds[i].Id == payload.Id {
				all := append(decodeClients(f.inbounds[i].Settings), clients...)
				f.inbounds[i].Settings = encodeClients(all)
				f.envelope(w, true, "", nil)
				return
			}
		}
		f.envelope(w, false, "inbound not found", nil)
	})
	mux.HandleFunc("/panel/api/inbounds/updateClient/", func(w http.ResponseWriter, r *http.Request) {
		clientId := strings.TrimPrefix(r.URL.Path, "/panel/api/inbounds/updateClient/")
		var payload struct {
			Id       int    `json:"id"`
			Settings string `json:"settings"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		replacement := decodeClients(payload.Settings)
		if len(replacement) != 1 {
			f.envelope(w, false, "expected one client", nil)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for i := range f.inbounds {
			clients := decodeClients(f.inbounds[i].Settings)
			for j := range clients {
				if clients[j].Id == clientId {
					clients[j] = replacement[0]
					f.inbounds[i].Settings = encodeClients(clients)
					f.envelope(w, true, "", nil)
					return
				}
			}
		}
		f.envelope(w, false, "client not found", nil)
	})
	mux.HandleFunc("/panel/api/inbounds/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/panel/api/inbounds/"), "/")
		if len(parts) != 3 {
			f.envelope(w, false, "unknown route", nil)
			return
		}
		switch parts[1] {
		case "delClient":
			f.record("delete")
			if f.failDelete {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			for i := range f.inbounds {
				clients := decodeClients(f.inbounds[i].Settings)
				for j := range clients {
					if clients[j].Id == parts[2] {
						f.inbounds[i].Settings = encodeClients(append(clients[:j], clients[j+1:]...))
						f.envelope(w, true, "", nil)
						return
					}
				}
			}
			f.envelope(w, false, "client not found", nil)
		case "resetClientTraffic":
			f.mu.Lock()
			defer f.mu.Unlock()
			if stat, ok := f.stats[parts[2]]; ok {
				stat.Up, stat.Down = 0, 0
				f.stats[parts[2]] = stat
			}
			f.envelope(w, true, "", nil)
		default:
			f.envelope(w, false, "unknown route", nil)
		}
	})

	counted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requestCount++
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	})
	return counted
}

func (f *fixturePanel) clientsOn(inboundId int) []fxClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ib := range f.inbounds {
		if ib.Id == inboundId {
			return decodeClients(ib.Settings)
		}
	}
	return nil
}

func (f *fixturePanel) allClients() []fxClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []fxClient
	for _, ib := range f.inbounds {
		all = append(all, decodeClients(ib.Settings)...)
	}
	return all
}

func (f *fixturePanel) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requestCount
}

var fixtureSerial int

// startFixturePanel serves the fake backend and registers its panel row.
func startFixturePanel(t *testing.T, f *fixturePanel) *model.Panel {
	t.Helper()
	if f.stats == nil {
		f.stats = make(map[string]fxStat)
	}
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)

	fixtureSerial++
	p := &model.Panel{
		Name:            fmt.Sprintf("%s-%d", f.name, fixtureSerial),
		Kind:            model.KindSanaei,
		BaseUrl:         server.URL,
		Username:        "admin",
		Password:        "secret",
		DefaultProtocol: model.VLESS,
		Enable:          true,
		Status:          model.PanelHealthy,
	}
	if err := database.GetDB().Create(p).Error; err != nil {
		t.Fatalf("create panel row: %v", err)
	}
	connService := ConnService{}
	t.Cleanup(func() { connService.Invalidate(p.Id) })
	return p
}

func setupLedgerDB(t *testing.T) {
	t.Helper()
	if err := database.InitDB(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("init db: %v", err)
	}
}

const fxGB = int64(1) << 30

func TestCreateServiceFanout(t *testing.T) {
	setupLedgerDB(t)
	fake := &fixturePanel{
		name: "src",
		inbounds: []fxInbound{
			{Id: 1, Enable: true, Port: 443, Protocol: "vless", Settings: encodeClients(nil)},
			{Id: 2, Enable: true, Port: 8443, Protocol: "vless", Settings: encodeClients(nil)},
			{Id: 3, Enable: false, Port: 2053, Protocol: "vless", Settings: encodeClients(nil)},
		},
	}
	p := startFixturePanel(t, fake)
	lifecycle := LifecycleService{}

	res, err := lifecycle.CreateService(context.Background(), 7, p.Id, 0, "alice_01", 50, 30)
	if err != nil {
		t.Fatalf("CreateService failed: %v", err)
	}
	if res.CreatedCount != 2 {
		t.Errorf("CreatedCount = %d, expected one per enabled inbound", res.CreatedCount)
	}
	if res.Client.SubId == "" || len(res.Client.SubId) != 16 {
		t.Errorf("SubId = %q", res.Client.SubId)
	}
	wantLink := p.BaseUrl + "/sub/" + res.Client.SubId
	if res.Link != wantLink {
		t.Errorf("Link = %q, expected %q", res.Link, wantLink)
	}
	if res.Client.Status != model.StatusActive || !res.Client.Enable {
		t.Errorf("ledger row = %+v", res.Client)
	}

	stored, err := (&ClientService{}).GetClientByName("alice_01")
	if err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	if stored.PanelId != p.Id || stored.RemoteUUID != res.Client.RemoteUUID {
		t.Errorf("stored = %+v", stored)
	}
	if len(fake.clientsOn(3)) != 0 {
		t.Errorf("disabled inbound received a client")
	}
}

func TestCreateServiceNameRules(t *testing.T) {
	setupLedgerDB(t)
	fake := &fixturePanel{
		name:     "src",
		inbounds: []fxInbound{{Id: 1, Enable: true, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	p := startFixturePanel(t, fake)
	lifecycle := LifecycleService{}
	ctx := context.Background()

	if _, err := lifecycle.CreateService(ctx, 1, p.Id, 0, "x", 10, 0); err == nil {
		t.Errorf("two-character name must be rejected")
	}
	if _, err := lifecycle.CreateService(ctx, 1, p.Id, 0, "has space", 10, 0); err == nil {
		t.Errorf("name with space must be rejected")
	}

	if _, err := lifecycle.CreateService(ctx, 1, p.Id, 0, "bob_01", 10, 0); err != nil {
		t.Fatalf("valid create failed: %v", err)
	}
	_, err := lifecycle.CreateService(ctx, 2, p.Id, 0, "bob_01", 10, 0)
	var collision *NameCollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("duplicate name must return NameCollisionError, got %v", err)
	}
}

var seedSerial int64

// seedLedgerClient writes a ledger row matching a client on the fixture panel.
func seedLedgerClient(t *testing.T, fake *fixturePanel, p *model.Panel, name string, totalGB, usedGB float64, expiryMs int64) *model.Client {
	t.Helper()
	seedSerial++
	remoteUUID := fmt.Sprintf("00000000-0000-4000-8000-%012d", seedSerial)
	subId := fmt.Sprintf("sub%013d", seedSerial)

	fake.mu.Lock()
	clients := decodeClients(fake.inbounds[0].Settings)
	clients = append(clients, fxClient{
		Id:         remoteUUID,
		Email:      name,
		TotalGB:    int64(totalGB * float64(fxGB)),
		ExpiryTime: expiryMs,
		Enable:     true,
		SubId:      subId,
	})
	fake.inbounds[0].Settings = encodeClients(clients)
	fake.stats[name] = fxStat{Email: name, Up: int64(usedGB * float64(fxGB) / 2), Down: int64(usedGB * float64(fxGB) / 2)}
	inboundId := fake.inbounds[0].Id
	fake.mu.Unlock()

	row := &model.Client{
		UserId:     seedSerial,
		PanelId:    p.Id,
		InboundId:  inboundId,
		Name:       name,
		RemoteUUID: remoteUUID,
		Protocol:   model.VLESS,
		SubId:      subId,
		TotalGB:    totalGB,
		UsedGB:     usedGB,
		ExpiryTime: expiryMs,
		Status:     model.StatusActive,
		Enable:     true,
	}
	if err := database.GetDB().Create(row).Error; err != nil {
		t.Fatalf("seed ledger row: %v", err)
	}
	return row
}

func TestMigrateServiceMovesRemaining(t *testing.T) {
	setupLedgerDB(t)
	recorder := &callRecorder{}
	src := &fixturePanel{
		name:     "src",
		recorder: recorder,
		inbounds: []fxInbound{{Id: 1, Enable: true, Port: 443, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	dst := &fixturePanel{
		name:     "dst",
		recorder: recorder,
		inbounds: []fxInbound{{Id: 5, Enable: true, Port: 443, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	srcPanel := startFixturePanel(t, src)
	dstPanel := startFixturePanel(t, dst)

	expiry := time.Now().Add(10 * 24 * time.Hour).UnixMilli()
	row := seedLedgerClient(t, src, srcPanel, "carol_01", 10, 4, expiry)

	lifecycle := LifecycleService{}
	res, err := lifecycle.MigrateService(context.Background(), row.Id, dstPanel.Id)
	if err != nil {
		t.Fatalf("MigrateService failed: %v", err)
	}
	if res.MovedGB != 6 {
		t.Errorf("MovedGB = %v, expected the remaining 6 GB", res.MovedGB)
	}
	if res.Anomaly != "" {
		t.Errorf("unexpected anomaly: %s", res.Anomaly)
	}

	// Destination holds the client, source does not.
	moved := dst.clientsOn(5)
	if len(moved) != 1 {
		t.Fatalf("destination holds %d clients, expected 1", len(moved))
	}
	if moved[0].TotalGB != 6*fxGB {
		t.Errorf("destination quota = %d bytes, expected 6 GB", moved[0].TotalGB)
	}
	if moved[0].ExpiryTime != expiry {
		t.Errorf("destination expiry = %d, expected the exact source expiry %d", moved[0].ExpiryTime, expiry)
	}
	if len(src.clientsOn(1)) != 0 {
		t.Errorf("source client not deleted")
	}

	// Create-before-delete ordering across the two panels.
	events := recorder.snapshot()
	firstDelete, lastCreate := -1, -1
	for i, e := range events {
		if e == "dst.create" {
			lastCreate = i
		}
		if e == "src.delete" && firstDelete < 0 {
			firstDelete = i
		}
	}
	if lastCreate < 0 || firstDelete < 0 || lastCreate > firstDelete {
		t.Errorf("destination create must complete before source delete, events: %v", events)
	}

	updated, err := (&ClientService{}).GetClient(row.Id)
	if err != nil {
		t.Fatalf("ledger row lookup: %v", err)
	}
	if updated.PanelId != dstPanel.Id || updated.InboundId != 5 {
		t.Errorf("ledger placement = panel %d inbound %d", updated.PanelId, updated.InboundId)
	}
	if updated.TotalGB != 6 || updated.UsedGB != 0 {
		t.Errorf("ledger quota = %v/%v", updated.UsedGB, updated.TotalGB)
	}
	if updated.RemoteUUID == row.RemoteUUID {
		t.Errorf("ledger still points at the source identity")
	}
	if updated.ExpiryTime != expiry {
		t.Errorf("ledger expiry = %d", updated.ExpiryTime)
	}
}

func TestMigrateServiceInsufficientRemainingMakesNoRemoteCalls(t *testing.T) {
	setupLedgerDB(t)
	src := &fixturePanel{
		name:     "src",
		inbounds: []fxInbound{{Id: 1, Enable: true, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	dst := &fixturePanel{
		name:     "dst",
		inbounds: []fxInbound{{Id: 1, Enable: true, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	srcPanel := startFixturePanel(t, src)
	dstPanel := startFixturePanel(t, dst)

	exhausted := seedLedgerClient(t, src, srcPanel, "dave_01", 10, 10, 0)
	unlimited := seedLedgerClient(t, src, srcPanel, "dave_02", 0, 3, 0)

	lifecycle := LifecycleService{}
	ctx := context.Background()

	var insufficient *InsufficientRemainingError
	if _, err := lifecycle.MigrateService(ctx, exhausted.Id, dstPanel.Id); !errors.As(err, &insufficient) {
		t.Fatalf("exhausted row: expected InsufficientRemainingError, got %v", err)
	}
	if _, err := lifecycle.MigrateService(ctx, unlimited.Id, dstPanel.Id); !errors.As(err, &insufficient) {
		t.Fatalf("unlimited row: expected InsufficientRemainingError, got %v", err)
	}
	if !insufficient.Unlimited {
		t.Errorf("unlimited flag not set: %+v", insufficient)
	}

	if n := src.requests(); n != 0 {
		t.Errorf("source received %d requests, precondition failures must make none", n)
	}
	if n := dst.requests(); n != 0 {
		t.Errorf("destination received %d requests, precondition failures must make none", n)
	}
}

func TestMigrateServiceDestFailureLeavesSourceIntact(t *testing.T) {
	setupLedgerDB(t)
	src := &fixturePanel{
		name:     "src",
		inbounds: []fxInbound{{Id: 1, Enable: true, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	dst := &fixturePanel{
		name:       "dst",
		failCreate: true,
		inbounds:   []fxInbound{{Id: 1, Enable: true, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	srcPanel := startFixturePanel(t, src)
	dstPanel := startFixturePanel(t, dst)

	row := seedLedgerClient(t, src, srcPanel, "eve_01", 10, 2, 0)

	lifecycle := LifecycleService{}
	if _, err := lifecycle.MigrateService(context.Background(), row.Id, dstPanel.Id); err == nil {
		t.Fatal("migration must fail when the destination rejects the create")
	}

	if len(src.clientsOn(1)) != 1 {
		t.Errorf("source client must survive a failed migration")
	}
	unchanged, err := (&ClientService{}).GetClient(row.Id)
	if err != nil {
		t.Fatalf("ledger lookup: %v", err)
	}
	if unchanged.PanelId != srcPanel.Id || unchanged.RemoteUUID != row.RemoteUUID {
		t.Errorf("ledger changed on failed migration: %+v", unchanged)
	}
}

func TestMigrateServiceSourceDeleteFailureIsAnomaly(t *testing.T) {
	setupLedgerDB(t)
	src := &fixturePanel{
		name:       "src",
		failDelete: true,
		inbounds:   []fxInbound{{Id: 1, Enable: true, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	dst := &fixturePanel{
		name:     "dst",
		inbounds: []fxInbound{{Id: 2, Enable: true, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	srcPanel := startFixturePanel(t, src)
	dstPanel := startFixturePanel(t, dst)

	row := seedLedgerClient(t, src, srcPanel, "gina_01", 10, 1, 0)

	lifecycle := LifecycleService{}
	res, err := lifecycle.MigrateService(context.Background(), row.Id, dstPanel.Id)
	if err != nil {
		t.Fatalf("migration must succeed despite the failed source delete: %v", err)
	}
	if res.Anomaly == "" {
		t.Errorf("expected an anomaly report for the undeleted source client")
	}
	// Destination is never torn down after the delete was attempted.
	if len(dst.clientsOn(2)) != 1 {
		t.Errorf("destination client missing")
	}
	updated, _ := (&ClientService{}).GetClient(row.Id)
	if updated.PanelId != dstPanel.Id {
		t.Errorf("ledger must move to the destination, got panel %d", updated.PanelId)
	}
}

func TestRenewServiceAddToRemaining(t *testing.T) {
	setupLedgerDB(t)
	fake := &fixturePanel{
		name:     "src",
		inbounds: []fxInbound{{Id: 1, Enable: true, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	p := startFixturePanel(t, fake)

	row := seedLedgerClient(t, fake, p, "hank_01", 10, 4, 0)
	// Exhausted, disabled, flags set: renewal must reset all of it.
	row.Status = model.StatusExhausted
	row.Enable = false
	row.Warned70 = true
	row.NotifiedExhausted = true
	row.ExhaustedAt = time.Now().UnixMilli()
	row.GraceEndAt = time.Now().Add(24 * time.Hour).UnixMilli()
	if err := database.GetDB().Save(row).Error; err != nil {
		t.Fatalf("seed terminal state: %v", err)
	}

	lifecycle := LifecycleService{}
	renewed, err := lifecycle.RenewService(context.Background(), row.Id, RenewAddToRemaining, 50, 30)
	if err != nil {
		t.Fatalf("RenewService failed: %v", err)
	}

	// remaining 6 + added 50 = 56 available; no usage reset, so the remote
	// ceiling absorbs the 4 already consumed.
	if renewed.TotalGB != 60 {
		t.Errorf("TotalGB = %v, expected 60", renewed.TotalGB)
	}
	if renewed.UsedGB != 4 {
		t.Errorf("UsedGB = %v, expected 4", renewed.UsedGB)
	}
	if renewed.Status != model.StatusActive || !renewed.Enable {
		t.Errorf("renewal must reset to active, got %+v", renewed)
	}
	if renewed.Warned70 || renewed.NotifiedExhausted || renewed.ExhaustedAt != 0 || renewed.GraceEndAt != 0 {
		t.Errorf("notification flags not cleared: %+v", renewed)
	}
	if renewed.ExpiryTime <= time.Now().UnixMilli() {
		t.Errorf("ExpiryTime = %d, expected ~30 days out", renewed.ExpiryTime)
	}

	remote := fake.clientsOn(1)
	if len(remote) != 1 {
		t.Fatalf("remote clients = %d", len(remote))
	}
	if remote[0].TotalGB != 60*fxGB {
		t.Errorf("remote quota = %d bytes, expected 60 GB", remote[0].TotalGB)
	}
	if !remote[0].Enable {
		t.Errorf("remote client not re-enabled")
	}
}

func TestRenewServiceFullResetZeroesUsage(t *testing.T) {
	setupLedgerDB(t)
	fake := &fixturePanel{
		name:     "src",
		inbounds: []fxInbound{{Id: 1, Enable: true, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	p := startFixturePanel(t, fake)
	row := seedLedgerClient(t, fake, p, "iris_01", 10, 9, 0)

	lifecycle := LifecycleService{}
	renewed, err := lifecycle.RenewService(context.Background(), row.Id, RenewFullReset, 20, 14)
	if err != nil {
		t.Fatalf("RenewService failed: %v", err)
	}
	if renewed.TotalGB != 20 || renewed.UsedGB != 0 {
		t.Errorf("ledger = %v/%v, full reset expected 0/20", renewed.UsedGB, renewed.TotalGB)
	}

	fake.mu.Lock()
	stat := fake.stats["iris_01"]
	fake.mu.Unlock()
	if stat.Up+stat.Down != 0 {
		t.Errorf("remote counters not reset: %d", stat.Up+stat.Down)
	}
}

func TestPreviewRenewalUsesCachedRow(t *testing.T) {
	setupLedgerDB(t)
	fake := &fixturePanel{
		name:     "src",
		inbounds: []fxInbound{{Id: 1, Enable: true, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	p := startFixturePanel(t, fake)
	row := seedLedgerClient(t, fake, p, "jack_01", 10, 4, 0)

	before := fake.requests()
	lifecycle := LifecycleService{}
	plan, err := lifecycle.PreviewRenewal(row.Id, RenewAddToRemaining, 50, 30)
	if err != nil {
		t.Fatalf("PreviewRenewal failed: %v", err)
	}
	if plan.FinalGB != 56 || plan.FinalDays != 30 || plan.ResetUsage {
		t.Errorf("plan = %+v", plan)
	}
	if fake.requests() != before {
		t.Errorf("preview must not talk to the panel")
	}
}

func TestDeleteServiceRemoteFirstLedgerAlways(t *testing.T) {
	setupLedgerDB(t)
	fake := &fixturePanel{
		name:     "src",
		inbounds: []fxInbound{{Id: 1, Enable: true, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	p := startFixturePanel(t, fake)
	row := seedLedgerClient(t, fake, p, "kate_01", 10, 1, 0)

	lifecycle := LifecycleService{}
	if err := lifecycle.DeleteService(context.Background(), row.Id); err != nil {
		t.Fatalf("DeleteService failed: %v", err)
	}
	if len(fake.allClients()) != 0 {
		t.Errorf("remote client survived")
	}
	if _, err := (&ClientService{}).GetClient(row.Id); !database.IsNotFound(err) {
		t.Errorf("ledger row survived, lookup err = %v", err)
	}
}

func TestDeleteServiceProceedsWhenRemoteFails(t *testing.T) {
	setupLedgerDB(t)
	fake := &fixturePanel{
		name:       "src",
		failDelete: true,
		inbounds:   []fxInbound{{Id: 1, Enable: true, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	p := startFixturePanel(t, fake)
	row := seedLedgerClient(t, fake, p, "liam_01", 10, 1, 0)

	lifecycle := LifecycleService{}
	if err := lifecycle.DeleteService(context.Background(), row.Id); err != nil {
		t.Fatalf("ledger delete must proceed past a remote failure: %v", err)
	}
	if _, err := (&ClientService{}).GetClient(row.Id); !database.IsNotFound(err) {
		t.Errorf("ledger row survived, lookup err = %v", err)
	}
}

func TestResetLinkRotatesIdentity(t *testing.T) {
	setupLedgerDB(t)
	fake := &fixturePanel{
		name:     "src",
		inbounds: []fxInbound{{Id: 1, Enable: true, Protocol: "vless", Settings: encodeClients(nil)}},
	}
	p := startFixturePanel(t, fake)
	row := seedLedgerClient(t, fake, p, "mona_01", 10, 1, 0)

	lifecycle := LifecycleService{}
	link, err := lifecycle.ResetLink(context.Background(), row.Id)
	if err != nil {
		t.Fatalf("ResetLink failed: %v", err)
	}

	updated, _ := (&ClientService{}).GetClient(row.Id)
	if updated.RemoteUUID == row.RemoteUUID {
		t.Errorf("remote uuid did not rotate")
	}
	if updated.SubId != row.SubId {
		t.Errorf("subscription id changed from %q to %q, aggregate link must survive", row.SubId, updated.SubId)
	}
	if link != updated.SubLink || link == "" {
		t.Errorf("link = %q, stored = %q", link, updated.SubLink)
	}
	// Quota untouched.
	remote := fake.clientsOn(1)
	if len(remote) != 1 || remote[0].TotalGB != 10*fxGB {
		t.Errorf("remote quota changed: %+v", remote)
	}
}

func TestRemainingDaysFromMs(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		expiry   int64
		expected int
	}{
		{"zero means unlimited", 0, 0},
		{"already past", now.Add(-time.Hour).UnixMilli(), 0},
		{"partial day rounds up", now.Add(6 * time.Hour).UnixMilli(), 1},
		{"ten days and change", now.Add(10*24*time.Hour + time.Hour).UnixMilli(), 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := remainingDaysFromMs(tt.expiry, now); got != tt.expected {
				t.Errorf("remainingDaysFromMs = %d, expected %d", got, tt.expected)
			}
		})
	}
}
