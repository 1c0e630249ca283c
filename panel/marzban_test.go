package panel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"

	"panelbridge/database/model"
)

// fakeMarzban is an in-memory Marzban panel: bearer-token auth, account-level
// users keyed by username, proto -> tag inbound map.
type fakeMarzban struct {
	mu         sync.Mutex
	users      map[string]*marzbanUser
	inbounds   map[string][]string
	loginCount int
	subSerial  int
}

func (f *fakeMarzban) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/admin/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.loginCount++
		f.mu.Unlock()
		if err := r.ParseForm(); err != nil || r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.PostForm.Get("grant_type") != "password" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		writeJSON(w, http.StatusOK, marzbanToken{AccessToken: "tok-1", TokenType: "bearer"})
	})
	mux.HandleFunc("/api/inbounds", f.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, f.inbounds)
	}))
	mux.HandleFunc("/api/user", f.authed(func(w http.ResponseWriter, r *http.Request) {
		var user marzbanUser
		if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, marzbanErrorBody{Detail: json.RawMessage(`"bad body"`)})
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, exists := f.users[user.Username]; exists {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.subSerial++
		user.SubscriptionUrl = fmt.Sprintf("/sub/token%04d", f.subSerial)
		f.users[user.Username] = &user
		writeJSON(w, http.StatusOK, user)
	}))
	mux.HandleFunc("/api/users", f.authed(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		list := make([]marzbanUser, 0, len(f.users))
		for _, u := range f.users {
			list = append(list, *u)
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": list, "total": len(list)})
	}))
	mux.HandleFunc("/api/user/", f.authed(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/user/")
		parts := strings.Split(rest, "/")
		username := parts[0]
		f.mu.Lock()
		defer f.mu.Unlock()
		user, ok := f.users[username]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, user)
		case len(parts) == 1 && r.Method == http.MethodPut:
			var patch map[string]any
			if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
				writeJSON(w, http.StatusUnprocessableEntity, marzbanErrorBody{Detail: json.RawMessage(`"bad body"`)})
				return
			}
			if v, ok := patch["data_limit"]; ok {
				user.DataLimit = int64(v.(float64))
			}
			if v, ok := patch["status"]; ok {
				user.Status = v.(string)
			}
			if v, ok := patch["expire"]; ok {
				if v == nil {
					user.Expire = nil
				} else {
					sec := int64(v.(float64))
					user.Expire = &sec
				}
			}
			writeJSON(w, http.StatusOK, user)
		case len(parts) == 1 && r.Method == http.MethodDelete:
			delete(f.users, username)
			w.WriteHeader(http.StatusOK)
		case len(parts) == 2 && parts[1] == "reset" && r.Method == http.MethodPost:
			user.UsedTraffic = 0
			writeJSON(w, http.StatusOK, user)
		case len(parts) == 2 && parts[1] == "revoke_sub" && r.Method == http.MethodPost:
			f.subSerial++
			user.SubscriptionUrl = fmt.Sprintf("/sub/token%04d", f.subSerial)
			writeJSON(w, http.StatusOK, user)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	return mux
}

// authed rejects requests without the issued bearer token.
func (f *fakeMarzban) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newMarzbanFixture(t *testing.T, fake *fakeMarzban) *MarzbanAdapter {
	t.Helper()
	if fake.users == nil {
		fake.users = make(map[string]*marzbanUser)
	}
	if fake.inbounds == nil {
		fake.inbounds = map[string][]string{
			"vless":  {"VLESS TCP", "VLESS WS"},
			"trojan": {"TROJAN TCP"},
		}
	}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)
	return newMarzban(&model.Panel{
		Name:     "mz",
		Kind:     model.KindMarzban,
		BaseUrl:  server.URL,
		Username: "admin",
		Password: "secret",
	})
}

func TestMarzbanLoginBadCredentials(t *testing.T) {
	fake := &fakeMarzban{}
	adapter := newMarzbanFixture(t, fake)
	adapter.password = "wrong"

	err := adapter.Login(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestMarzbanListInbounds(t *testing.T) {
	fake := &fakeMarzban{}
	adapter := newMarzbanFixture(t, fake)

	inbounds, err := adapter.ListInbounds(context.Background())
	if err != nil {
		t.Fatalf("ListInbounds failed: %v", err)
	}
	if len(inbounds) != 3 {
		t.Fatalf("got %d inbounds, expected 3", len(inbounds))
	}
	// Protocols sort alphabetically, synthetic ids start at 1.
	if inbounds[0].Protocol != model.Trojan || inbounds[0].Tag != "TROJAN TCP" || inbounds[0].Id != 1 {
		t.Errorf("first inbound = %+v", inbounds[0])
	}
	if inbounds[1].Protocol != model.VLESS || inbounds[2].Tag != "VLESS WS" {
		t.Errorf("vless inbounds = %+v, %+v", inbounds[1], inbounds[2])
	}
}

func TestMarzbanCreateOnAllInbounds(t *testing.T) {
	fake := &fakeMarzban{}
	adapter := newMarzbanFixture(t, fake)

	res, err := adapter.CreateOnAllInbounds(context.Background(), "alice", 30, 50)
	if err != nil {
		t.Fatalf("CreateOnAllInbounds failed: %v", err)
	}
	// Account-level panel: one remote client, every inbound attached.
	if res.CreatedCount != 1 {
		t.Errorf("CreatedCount = %d, expected 1", res.CreatedCount)
	}
	if res.RemoteUUID != "alice" {
		t.Errorf("RemoteUUID = %q, username is the stable key", res.RemoteUUID)
	}
	if res.SubId == "" {
		t.Errorf("SubId missing")
	}

	fake.mu.Lock()
	user := fake.users["alice"]
	fake.mu.Unlock()
	if user == nil {
		t.Fatal("user not created on panel")
	}
	if user.DataLimit != 50<<30 {
		t.Errorf("data_limit = %d, expected bytes", user.DataLimit)
	}
	if user.Expire == nil || *user.Expire <= 0 {
		t.Errorf("expire not set: %v", user.Expire)
	}
	if len(user.Inbounds["vless"]) != 2 || len(user.Inbounds["trojan"]) != 1 {
		t.Errorf("inbound attachment = %v", user.Inbounds)
	}
}

func TestMarzbanCreateConflict(t *testing.T) {
	fake := &fakeMarzban{users: map[string]*marzbanUser{"bob": {Username: "bob"}}}
	adapter := newMarzbanFixture(t, fake)

	_, err := adapter.CreateClient(context.Background(), 1, "bob", model.VLESS, 0, 0)
	var pe *ProvisionError
	if !errors.As(err, &pe) {
		t.Fatalf("409 should map to ProvisionError, got %v", err)
	}
}

func TestMarzbanGetClientDetails(t *testing.T) {
	expire := int64(1_900_000_000) // unix seconds on the wire
	fake := &fakeMarzban{users: map[string]*marzbanUser{
		"carol": {
			Username:    "carol",
			Status:      "active",
			DataLimit:   10 << 30,
			UsedTraffic: 4 << 30,
			Expire:      &expire,
			OnlineAt:    "2026-08-01T10:30:00",
		},
	}}
	adapter := newMarzbanFixture(t, fake)

	details, err := adapter.GetClientDetails(context.Background(), 0, "carol", nil)
	if err != nil {
		t.Fatalf("GetClientDetails failed: %v", err)
	}
	if !details.Enable || details.TotalBytes != 10<<30 || details.UsedBytes != 4<<30 {
		t.Errorf("details = %+v", details)
	}
	if details.ExpiryMs != 1_900_000_000_000 {
		t.Errorf("ExpiryMs = %d, seconds must normalize to milliseconds", details.ExpiryMs)
	}
	if details.LastOnlineMs == 0 {
		t.Errorf("naive online_at timestamp not parsed")
	}
}

func TestMarzbanGetClientDetailsNotFound(t *testing.T) {
	fake := &fakeMarzban{}
	adapter := newMarzbanFixture(t, fake)

	_, err := adapter.GetClientDetails(context.Background(), 0, "ghost", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarzbanSetEnabledMapsStatus(t *testing.T) {
	fake := &fakeMarzban{users: map[string]*marzbanUser{"dave": {Username: "dave", Status: "active"}}}
	adapter := newMarzbanFixture(t, fake)
	ctx := context.Background()

	if err := adapter.SetEnabled(ctx, 0, "dave", false); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	if got := fake.users["dave"].Status; got != "disabled" {
		t.Errorf("status = %q after disable", got)
	}
	if err := adapter.SetEnabled(ctx, 0, "dave", true); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if got := fake.users["dave"].Status; got != "active" {
		t.Errorf("status = %q after enable", got)
	}
}

func TestMarzbanUpdateExpiryUnlimited(t *testing.T) {
	expire := int64(1_900_000_000)
	fake := &fakeMarzban{users: map[string]*marzbanUser{"eve": {Username: "eve", Expire: &expire}}}
	adapter := newMarzbanFixture(t, fake)

	if err := adapter.UpdateExpiry(context.Background(), 0, "eve", 0); err != nil {
		t.Fatalf("UpdateExpiry failed: %v", err)
	}
	if fake.users["eve"].Expire != nil {
		t.Errorf("unlimited expiry must be sent as null, got %v", *fake.users["eve"].Expire)
	}
}

func TestMarzbanResetIdentityRotatesToken(t *testing.T) {
	fake := &fakeMarzban{users: map[string]*marzbanUser{"frank": {Username: "frank", SubscriptionUrl: "/sub/oldtoken"}}}
	adapter := newMarzbanFixture(t, fake)

	res, err := adapter.ResetIdentity(context.Background(), 0, "frank")
	if err != nil {
		t.Fatalf("ResetIdentity failed: %v", err)
	}
	if res.NewUUID != "frank" {
		t.Errorf("NewUUID = %q, username must survive a revoke", res.NewUUID)
	}
	if res.SubId == "" || res.SubId == "oldtoken" {
		t.Errorf("SubId = %q, token must rotate", res.SubId)
	}
}

func TestMarzbanDeleteClientIdempotent(t *testing.T) {
	fake := &fakeMarzban{users: map[string]*marzbanUser{"gina": {Username: "gina"}}}
	adapter := newMarzbanFixture(t, fake)
	ctx := context.Background()

	if err := adapter.DeleteClient(ctx, 0, "gina"); err != nil {
		t.Fatalf("first delete failed: %v", err)
	}
	if err := adapter.DeleteClient(ctx, 0, "gina"); err != nil {
		t.Errorf("second delete must treat 404 as success, got %v", err)
	}
}

func TestMarzbanReloginOnExpiredToken(t *testing.T) {
	fake := &fakeMarzban{users: map[string]*marzbanUser{"hank": {Username: "hank", Status: "active"}}}
	adapter := newMarzbanFixture(t, fake)
	ctx := context.Background()

	if err := adapter.Login(ctx); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	// Simulate the panel invalidating the token server-side.
	adapter.setBearer("stale", marzbanTokenTTL)

	if _, err := adapter.GetClientDetails(ctx, 0, "hank", nil); err != nil {
		t.Fatalf("lookup after token invalidation failed: %v", err)
	}
	if fake.loginCount != 2 {
		t.Errorf("expected exactly one re-login (2 logins total), got %d", fake.loginCount)
	}
}

func TestMarzbanSnapshot(t *testing.T) {
	fake := &fakeMarzban{users: map[string]*marzbanUser{
		"a": {Username: "a", Status: "active", DataLimit: 5 << 30, UsedTraffic: 1 << 30},
		"b": {Username: "b", Status: "limited", UsedTraffic: 2 << 30},
	}}
	adapter := newMarzbanFixture(t, fake)

	snap, err := adapter.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot holds %d entries, expected 2", len(snap))
	}
	if !snap["a"].Enable || snap["a"].UsedBytes != 1<<30 {
		t.Errorf("snapshot a = %+v", snap["a"])
	}
	if snap["b"].Enable {
		t.Errorf("limited user must read as disabled")
	}
}

func TestSubTokenFromURL(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"https://host/sub/AbCdEf123", "AbCdEf123"},
		{"https://host/sub/AbCdEf123/", "AbCdEf123"},
		{"/sub/tok", "tok"},
		{"bare-token", "bare-token"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := subTokenFromURL(tt.in); got != tt.expected {
			t.Errorf("subTokenFromURL(%q) = %q, expected %q", tt.in, got, tt.expected)
		}
	}
}

func TestParseOnlineAt(t *testing.T) {
	tests := []struct {
		name string
		in   string
		zero bool
	}{
		{"rfc3339", "2026-08-01T10:30:00Z", false},
		{"naive microseconds", "2026-08-01T10:30:00.123456", false},
		{"naive seconds", "2026-08-01T10:30:00", false},
		{"empty", "", true},
		{"garbage", "not-a-time", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseOnlineAt(tt.in)
			if tt.zero && got != 0 {
				t.Errorf("parseOnlineAt(%q) = %d, expected 0", tt.in, got)
			}
			if !tt.zero && got == 0 {
				t.Errorf("parseOnlineAt(%q) = 0, expected a timestamp", tt.in)
			}
		})
	}
	utc := parseOnlineAt("2026-08-01T10:30:00Z")
	naive := parseOnlineAt("2026-08-01T10:30:00")
	if utc != naive {
		t.Errorf("naive timestamps must be read as UTC: %d vs %d", naive, utc)
	}
}
