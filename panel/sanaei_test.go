package panel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"panelbridge/database/model"
)

// fakeSanaei is an in-memory 3x-ui panel speaking the {success,msg,obj}
// envelope, enough of it for the adapter's full operation set.
type fakeSanaei struct {
	mu         sync.Mutex
	inbounds   []sanaeiInbound
	stats      map[string]sanaeiClientStat
	loginCount int
	rejectList int // pending 401 responses on the list route
}

func (f *fakeSanaei) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.loginCount++
		f.mu.Unlock()
		if err := r.ParseForm(); err != nil || r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
			writeEnvelope(w, false, "invalid credentials", nil)
			return
		}
		writeEnvelope(w, true, "", nil)
	})
	mux.HandleFunc("/panel/api/inbounds/list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.rejectList > 0 {
			f.rejectList--
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		list := make([]sanaeiInbound, len(f.inbounds))
		copy(list, f.inbounds)
		for i := range list {
			list[i].ClientStats = nil
			for _, cl := range parseClients(list[i].Settings) {
				if stat, ok := f.stats[cl.Email]; ok {
					list[i].ClientStats = append(list[i].ClientStats, stat)
				}
			}
		}
		writeEnvelope(w, true, "", list)
	})
	mux.HandleFunc("/panel/api/inbounds/addClient", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Id       int    `json:"id"`
			Settings string `json:"settings"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeEnvelope(w, false, "bad payload", nil)
			return
		}
		clients := parseClients(payload.Settings)
		if len(clients) != 1 {
			writeEnvelope(w, false, "expected exactly one client", nil)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for i := range f.inbounds {
			if f.inbounds[i].Id == payload.Id {
				f.setClients(i, append(parseClients(f.inbounds[i].Settings), clients[0]))
				writeEnvelope(w, true, "", nil)
				return
			}
		}
		writeEnvelope(w, false, "inbound not found", nil)
	})
	mux.HandleFunc("/panel/api/inbounds/updateClient/", func(w http.ResponseWriter, r *http.Request) {
		clientId := strings.TrimPrefix(r.URL.Path, "/panel/api/inbounds/updateClient/")
		var payload struct {
			Id       int    `json:"id"`
			Settings string `json:"settings"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeEnvelope(w, false, "bad payload", nil)
			return
		}
		replacement := parseClients(payload.Settings)
		if len(replacement) != 1 {
			writeEnvelope(w, false, "expected exactly one client", nil)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for i := range f.inbounds {
			clients := parseClients(f.inbounds[i].Settings)
			for j := range clients {
				if clients[j].Id == clientId {
					clients[j] = replacement[0]
					f.setClients(i, clients)
					writeEnvelope(w, true, "", nil)
					return
				}
			}
		}
		writeEnvelope(w, false, "client not found", nil)
	})
	mux.HandleFunc("/panel/api/inbounds/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/panel/api/inbounds/"), "/")
		if len(parts) != 3 || parts[1] != "delClient" {
			writeEnvelope(w, false, "unknown route "+r.URL.Path, nil)
			return
		}
		clientId := parts[2]
		f.mu.Lock()
		defer f.mu.Unlock()
		for i := range f.inbounds {
			clients := parseClients(f.inbounds[i].Settings)
			for j := range clients {
				if clients[j].Id == clientId {
					f.setClients(i, append(clients[:j], clients[j+1:]...))
					writeEnvelope(w, true, "", nil)
					return
				}
			}
		}
		writeEnvelope(w, false, "client not found", nil)
	})
	return mux
}

// setClients re-encodes the inbound's settings string. Callers hold f.mu.
func (f *fakeSanaei) setClients(i int, clients []sanaeiClient) {
	data, _ := json.Marshal(sanaeiSettings{Clients: clients})
	f.inbounds[i].Settings = string(data)
}

func (f *fakeSanaei) clientsOn(inboundId int) []sanaeiClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ib := range f.inbounds {
		if ib.Id == inboundId {
			return parseClients(ib.Settings)
		}
	}
	return nil
}

func writeEnvelope(w http.ResponseWriter, success bool, msg string, obj any) {
	var raw json.RawMessage
	if obj != nil {
		raw, _ = json.Marshal(obj)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(apiResponse{Success: success, Msg: msg, Obj: raw})
}

func settingsFor(clients ...sanaeiClient) string {
	data, _ := json.Marshal(sanaeiSettings{Clients: clients})
	return string(data)
}

func newSanaeiFixture(t *testing.T, fake *fakeSanaei) (*SanaeiAdapter, *httptest.Server) {
	t.Helper()
	if fake.stats == nil {
		fake.stats = make(map[string]sanaeiClientStat)
	}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)
	adapter := newSanaei(&model.Panel{
		Name:     "test-panel",
		Kind:     model.KindSanaei,
		BaseUrl:  server.URL,
		Username: "admin",
		Password: "secret",
	})
	return adapter, server
}

func TestSanaeiLoginSessionReuse(t *testing.T) {
	fake := &fakeSanaei{}
	adapter, _ := newSanaeiFixture(t, fake)
	ctx := context.Background()

	if err := adapter.Login(ctx); err != nil {
		t.Fatalf("first login failed: %v", err)
	}
	if err := adapter.Login(ctx); err != nil {
		t.Fatalf("second login failed: %v", err)
	}
	if fake.loginCount != 1 {
		t.Errorf("fresh session should be reused, got %d login requests", fake.loginCount)
	}
}

func TestSanaeiLoginRejected(t *testing.T) {
	fake := &fakeSanaei{}
	adapter, _ := newSanaeiFixture(t, fake)
	adapter.password = "wrong"

	err := adapter.Login(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Panel != "test-panel" {
		t.Errorf("AuthError.Panel = %q", authErr.Panel)
	}
}

func TestSanaeiCreateClient(t *testing.T) {
	fake := &fakeSanaei{
		inbounds: []sanaeiInbound{
			{Id: 3, Remark: "tcp-in", Enable: true, Port: 443, Protocol: "vless"},
		},
	}
	adapter, _ := newSanaeiFixture(t, fake)

	created, err := adapter.CreateClient(context.Background(), 3, "alice", model.VLESS, 30, 50)
	if err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}
	if _, err := uuid.Parse(created.RemoteUUID); err != nil {
		t.Errorf("RemoteUUID %q is not a uuid", created.RemoteUUID)
	}
	if len(created.SubId) != subIdLength {
		t.Errorf("SubId length = %d, expected %d", len(created.SubId), subIdLength)
	}
	if strings.Contains(created.SubId, "-") {
		t.Errorf("SubId %q must not contain dashes", created.SubId)
	}
	if created.Protocol != model.VLESS || created.Port != 443 {
		t.Errorf("created = %+v", created)
	}

	clients := fake.clientsOn(3)
	if len(clients) != 1 {
		t.Fatalf("panel holds %d clients, expected 1", len(clients))
	}
	cl := clients[0]
	if cl.Email != "alice" || !cl.Enable {
		t.Errorf("remote client = %+v", cl)
	}
	if cl.TotalGB != 50*(int64(1)<<30) {
		t.Errorf("quota sent as %d bytes, expected 50GB", cl.TotalGB)
	}
	if cl.ExpiryTime <= 0 {
		t.Errorf("expiry not set, got %d", cl.ExpiryTime)
	}
}

func TestSanaeiCreateClientUnknownInbound(t *testing.T) {
	fake := &fakeSanaei{inbounds: []sanaeiInbound{{Id: 1, Enable: true, Protocol: "vless"}}}
	adapter, _ := newSanaeiFixture(t, fake)

	_, err := adapter.CreateClient(context.Background(), 99, "alice", model.VLESS, 0, 0)
	var pe *ProvisionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProvisionError, got %v", err)
	}
}

func TestSanaeiCreateOnAllInbounds(t *testing.T) {
	fake := &fakeSanaei{
		inbounds: []sanaeiInbound{
			{Id: 1, Enable: true, Port: 443, Protocol: "vless"},
			{Id: 2, Enable: false, Port: 8443, Protocol: "vless"},
			{Id: 3, Enable: true, Port: 2053, Protocol: "trojan"},
		},
	}
	adapter, _ := newSanaeiFixture(t, fake)

	res, err := adapter.CreateOnAllInbounds(context.Background(), "bob", 30, 20)
	if err != nil {
		t.Fatalf("CreateOnAllInbounds failed: %v", err)
	}
	if res.CreatedCount != 2 {
		t.Fatalf("CreatedCount = %d, expected 2 (disabled inbound skipped)", res.CreatedCount)
	}
	if res.PrimaryInboundId != 1 {
		t.Errorf("PrimaryInboundId = %d, expected 1", res.PrimaryInboundId)
	}
	if len(res.Failed) != 0 {
		t.Errorf("unexpected failures: %v", res.Failed)
	}

	first := fake.clientsOn(1)
	third := fake.clientsOn(3)
	if len(first) != 1 || len(third) != 1 {
		t.Fatalf("clients per inbound = %d/%d, expected 1/1", len(first), len(third))
	}
	if first[0].Email != "bob" {
		t.Errorf("primary email = %q, expected bob", first[0].Email)
	}
	if third[0].Email != "bob-3" {
		t.Errorf("sibling email = %q, expected bob-3", third[0].Email)
	}
	if first[0].SubId != res.SubId || third[0].SubId != res.SubId {
		t.Errorf("siblings must share the subscription id: %q vs %q vs %q", first[0].SubId, third[0].SubId, res.SubId)
	}
	if first[0].Id == third[0].Id {
		t.Errorf("siblings must not share a uuid")
	}
	if len(fake.clientsOn(2)) != 0 {
		t.Errorf("disabled inbound received a client")
	}
}

func TestSanaeiGetClientDetails(t *testing.T) {
	cl := sanaeiClient{Id: uuid.NewString(), Email: "carol", Enable: true, TotalGB: 10 << 30, ExpiryTime: 1_900_000_000_000, SubId: "abcdefgh12345678"}
	fake := &fakeSanaei{
		inbounds: []sanaeiInbound{{Id: 5, Enable: true, Protocol: "vless", Settings: settingsFor(cl)}},
		stats: map[string]sanaeiClientStat{
			"carol": {Email: "carol", Up: 1 << 30, Down: 2 << 30, LastOnline: 1_800_000_000_000},
		},
	}
	adapter, _ := newSanaeiFixture(t, fake)

	details, err := adapter.GetClientDetails(context.Background(), 5, cl.Id, nil)
	if err != nil {
		t.Fatalf("GetClientDetails failed: %v", err)
	}
	if !details.Enable {
		t.Errorf("Enable = false")
	}
	if details.UsedBytes != 3<<30 {
		t.Errorf("UsedBytes = %d, expected up+down", details.UsedBytes)
	}
	if details.TotalBytes != 10<<30 {
		t.Errorf("TotalBytes = %d", details.TotalBytes)
	}
	if details.ExpiryMs != 1_900_000_000_000 {
		t.Errorf("ExpiryMs = %d", details.ExpiryMs)
	}
	if details.LastOnlineMs != 1_800_000_000_000 {
		t.Errorf("LastOnlineMs = %d", details.LastOnlineMs)
	}
}

func TestSanaeiGetClientDetailsMovedCallback(t *testing.T) {
	cl := sanaeiClient{Id: uuid.NewString(), Email: "dave", Enable: true}
	fake := &fakeSanaei{
		inbounds: []sanaeiInbound{
			{Id: 1, Enable: true, Protocol: "vless"},
			{Id: 7, Enable: true, Protocol: "vless", Settings: settingsFor(cl)},
		},
	}
	adapter, _ := newSanaeiFixture(t, fake)

	movedTo := 0
	details, err := adapter.GetClientDetails(context.Background(), 1, cl.Id, func(newInboundId int) {
		movedTo = newInboundId
	})
	if err != nil {
		t.Fatalf("GetClientDetails failed: %v", err)
	}
	if movedTo != 7 {
		t.Errorf("moved callback got %d, expected 7", movedTo)
	}
	if details.InboundId != 7 {
		t.Errorf("InboundId = %d, expected 7", details.InboundId)
	}
}

func TestSanaeiGetClientDetailsNotFound(t *testing.T) {
	fake := &fakeSanaei{inbounds: []sanaeiInbound{{Id: 1, Enable: true, Protocol: "vless"}}}
	adapter, _ := newSanaeiFixture(t, fake)

	_, err := adapter.GetClientDetails(context.Background(), 1, uuid.NewString(), nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSanaeiSetEnabledCoversSiblings(t *testing.T) {
	subId := "shared0123456789"
	primary := sanaeiClient{Id: uuid.NewString(), Email: "eve", Enable: true, SubId: subId}
	sibling := sanaeiClient{Id: uuid.NewString(), Email: "eve-2", Enable: true, SubId: subId}
	fake := &fakeSanaei{
		inbounds: []sanaeiInbound{
			{Id: 1, Enable: true, Protocol: "vless", Settings: settingsFor(primary)},
			{Id: 2, Enable: true, Protocol: "vless", Settings: settingsFor(sibling)},
		},
	}
	adapter, _ := newSanaeiFixture(t, fake)

	if err := adapter.SetEnabled(context.Background(), 1, primary.Id, false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	if fake.clientsOn(1)[0].Enable {
		t.Errorf("primary still enabled")
	}
	if fake.clientsOn(2)[0].Enable {
		t.Errorf("sibling still enabled, disable must cover the whole purchase")
	}
}

func TestSanaeiResetIdentity(t *testing.T) {
	subId := "shared0123456789"
	primary := sanaeiClient{Id: uuid.NewString(), Email: "frank", Enable: true, SubId: subId}
	sibling := sanaeiClient{Id: uuid.NewString(), Email: "frank-2", Enable: true, SubId: subId}
	fake := &fakeSanaei{
		inbounds: []sanaeiInbound{
			{Id: 1, Enable: true, Protocol: "vless", Settings: settingsFor(primary)},
			{Id: 2, Enable: true, Protocol: "vless", Settings: settingsFor(sibling)},
		},
	}
	adapter, _ := newSanaeiFixture(t, fake)

	res, err := adapter.ResetIdentity(context.Background(), 1, primary.Id)
	if err != nil {
		t.Fatalf("ResetIdentity failed: %v", err)
	}
	if res.SubId != subId {
		t.Errorf("SubId changed to %q, aggregate links must keep resolving", res.SubId)
	}
	if res.NewUUID == primary.Id {
		t.Errorf("uuid did not rotate")
	}
	if _, err := uuid.Parse(res.NewUUID); err != nil {
		t.Errorf("NewUUID %q is not a uuid", res.NewUUID)
	}
	if got := fake.clientsOn(2)[0].Id; got == sibling.Id {
		t.Errorf("sibling uuid did not rotate")
	}
	if got := fake.clientsOn(2)[0].SubId; got != subId {
		t.Errorf("sibling subId changed to %q", got)
	}
}

func TestSanaeiDeleteClientIdempotent(t *testing.T) {
	cl := sanaeiClient{Id: uuid.NewString(), Email: "gina", Enable: true}
	fake := &fakeSanaei{
		inbounds: []sanaeiInbound{{Id: 1, Enable: true, Protocol: "vless", Settings: settingsFor(cl)}},
	}
	adapter, _ := newSanaeiFixture(t, fake)
	ctx := context.Background()

	if err := adapter.DeleteClient(ctx, 1, cl.Id); err != nil {
		t.Fatalf("first delete failed: %v", err)
	}
	if len(fake.clientsOn(1)) != 0 {
		t.Fatalf("client survived delete")
	}
	if err := adapter.DeleteClient(ctx, 1, cl.Id); err != nil {
		t.Errorf("deleting an already-gone client must succeed, got %v", err)
	}
}

func TestSanaeiReloginOnce(t *testing.T) {
	fake := &fakeSanaei{
		inbounds:   []sanaeiInbound{{Id: 1, Enable: true, Protocol: "vless"}},
		rejectList: 1,
	}
	adapter, _ := newSanaeiFixture(t, fake)
	ctx := context.Background()

	if err := adapter.Login(ctx); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	inbounds, err := adapter.ListInbounds(ctx)
	if err != nil {
		t.Fatalf("ListInbounds after session rejection failed: %v", err)
	}
	if len(inbounds) != 1 {
		t.Errorf("got %d inbounds, expected 1", len(inbounds))
	}
	if fake.loginCount != 2 {
		t.Errorf("expected exactly one re-login (2 logins total), got %d", fake.loginCount)
	}
}

func TestSanaeiReloginSecondRejectionIsAuthError(t *testing.T) {
	fake := &fakeSanaei{
		inbounds:   []sanaeiInbound{{Id: 1, Enable: true, Protocol: "vless"}},
		rejectList: 2,
	}
	adapter, _ := newSanaeiFixture(t, fake)

	_, err := adapter.ListInbounds(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError after second rejection, got %v", err)
	}
}

func TestSanaeiTransientStatusSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			writeEnvelope(w, true, "", nil)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	adapter := newSanaei(&model.Panel{Name: "p", Kind: model.KindSanaei, BaseUrl: server.URL, Username: "admin", Password: "secret"})
	_, err := adapter.ListInbounds(context.Background())
	if !IsTransient(err) {
		t.Fatalf("502 should surface as transient, got %v", err)
	}
}

func TestSanaeiSubscriptionLink(t *testing.T) {
	adapter := newSanaei(&model.Panel{
		Name:       "p",
		Kind:       model.KindSanaei,
		BaseUrl:    "https://panel.example:2053",
		SubBaseUrl: "https://sub.example:2096",
	})
	got := adapter.SubscriptionLink("abcd1234efgh5678", model.VLESS)
	if got != "https://sub.example:2096/sub/abcd1234efgh5678" {
		t.Errorf("SubscriptionLink = %q", got)
	}
}

func TestNormalizeExpiryMs(t *testing.T) {
	tests := []struct {
		in       int64
		expected int64
	}{
		{0, 0},
		{-1, -1},
		{1_700_000_000, 1_700_000_000_000},
		{1_700_000_000_000, 1_700_000_000_000},
	}
	for _, tt := range tests {
		if got := normalizeExpiryMs(tt.in); got != tt.expected {
			t.Errorf("normalizeExpiryMs(%d) = %d, expected %d", tt.in, got, tt.expected)
		}
	}
}

func TestSanaeiSnapshot(t *testing.T) {
	a := sanaeiClient{Id: uuid.NewString(), Email: "a", Enable: true, TotalGB: 5 << 30}
	b := sanaeiClient{Id: uuid.NewString(), Email: "b", Enable: false}
	fake := &fakeSanaei{
		inbounds: []sanaeiInbound{
			{Id: 1, Enable: true, Protocol: "vless", Settings: settingsFor(a)},
			{Id: 2, Enable: true, Protocol: "trojan", Settings: settingsFor(b)},
		},
		stats: map[string]sanaeiClientStat{
			"a": {Email: "a", Up: 1 << 20, Down: 2 << 20},
		},
	}
	adapter, _ := newSanaeiFixture(t, fake)

	snap, err := adapter.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot holds %d entries, expected 2", len(snap))
	}
	da, ok := snap[a.Id]
	if !ok {
		t.Fatalf("client a missing from snapshot")
	}
	if da.UsedBytes != 3<<20 || da.InboundId != 1 {
		t.Errorf("snapshot a = %+v", da)
	}
	if db := snap[b.Id]; db.Enable {
		t.Errorf("client b should be disabled in snapshot")
	}
}

func TestExpiryFromDays(t *testing.T) {
	if got := expiryFromDays(0); got != 0 {
		t.Errorf("expiryFromDays(0) = %d, expected 0 (unlimited)", got)
	}
	if got := expiryFromDays(-3); got != 0 {
		t.Errorf("expiryFromDays(-3) = %d, expected 0", got)
	}
	got := expiryFromDays(30)
	lo := time.Now().Add(29 * 24 * time.Hour).UnixMilli()
	hi := time.Now().Add(31 * 24 * time.Hour).UnixMilli()
	if got < lo || got > hi {
		t.Errorf("expiryFromDays(30) = %d, outside [%d, %d]", got, lo, hi)
	}
}
