// Package service provides the business logic for panelbridge: the panel
// registry, the client ledger, lifecycle orchestration, traffic monitoring,
// and the notification surfaces built on top of them.
package service

import (
	"context"
	"fmt"
	"sync"

	"panelbridge/database/model"
	"panelbridge/logger"
	"panelbridge/panel"
)

// connMutexes provides per-panel mutexes so concurrent callers needing the
// same panel share one login flight instead of racing.
var (
	connMutexes   = make(map[int]*sync.Mutex)
	connMutexLock sync.Mutex

	connCache     = make(map[int]*panelConn)
	connCacheLock sync.Mutex
)

type panelConn struct {
	adapter     panel.Adapter
	fingerprint string
}

func getConnMutex(panelId int) *sync.Mutex {
	connMutexLock.Lock()
	defer connMutexLock.Unlock()

	if mutex, exists := connMutexes[panelId]; exists {
		return mutex
	}

	mutex := &sync.Mutex{}
	connMutexes[panelId] = mutex
	return mutex
}

// connFingerprint captures the fields whose change makes a cached adapter
// stale.
func connFingerprint(p *model.Panel) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s", p.Kind, p.BaseUrl, p.Username, p.Password, p.TwoFactorSecret, p.SubBaseUrl)
}

// ConnService hands out logged-in adapters. One adapter lives per panel id;
// its session artifact is reused until the panel rejects it or the panel row
// changes.
type ConnService struct{}

// Acquire returns an adapter holding a valid session for the panel. While a
// login is in flight every other caller for the same panel waits for it
// rather than starting its own.
func (s *ConnService) Acquire(ctx context.Context, p *model.Panel) (panel.Adapter, error) {
	mutex := getConnMutex(p.Id)
	mutex.Lock()
	defer mutex.Unlock()

	conn := s.cached(p)
	if conn == nil {
		conn = &panelConn{
			adapter:     panel.New(p),
			fingerprint: connFingerprint(p),
		}
		connCacheLock.Lock()
		connCache[p.Id] = conn
		connCacheLock.Unlock()
	}

	if err := conn.adapter.Login(ctx); err != nil {
		logger.Warningf("panel %s login failed: %v", p.Name, err)
		return nil, err
	}
	return conn.adapter, nil
}

func (s *ConnService) cached(p *model.Panel) *panelConn {
	connCacheLock.Lock()
	defer connCacheLock.Unlock()

	conn, ok := connCache[p.Id]
	if !ok {
		return nil
	}
	if conn.fingerprint != connFingerprint(p) {
		delete(connCache, p.Id)
		return nil
	}
	return conn
}

// Invalidate drops the cached adapter for a panel. The next Acquire builds a
// fresh one.
func (s *ConnService) Invalidate(panelId int) {
	connCacheLock.Lock()
	defer connCacheLock.Unlock()
	delete(connCache, panelId)
}
