package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"panelbridge/caching"
	"panelbridge/database/model"
	"panelbridge/logger"
	"panelbridge/panel"
	"panelbridge/util/common"
	"panelbridge/util/metrics"
)

const (
	// onlineWindowMs is how recent the last remote activity must be for a
	// client to count as online.
	onlineWindowMs = 120_000

	monitorWorkers     = 5
	monitorSnapshotTTL = 30 * time.Second

	warnRatio     = 0.70
	overageRatio  = 1.10
	overageHardGB = 1.0
)

// monitorSnapshots holds one remote batch per panel for a short window, so an
// on-demand cycle right after the scheduled one reuses the same round-trip.
var monitorSnapshots = caching.NewCache(monitorSnapshotTTL)

// MonitorService reconciles the ledger against the panels' authoritative
// state. Each cycle reads fresh remote data, never its own previous snapshot,
// so it needs no coordination with concurrent renewals beyond last-writer-wins.
type MonitorService struct {
	connService    ConnService
	panelService   PanelService
	clientService  ClientService
	settingService SettingService
	tgbotService   Tgbot
}

// evalInput is the fresh remote view one transition decision runs on.
type evalInput struct {
	Status     model.ClientStatus
	Warned70   bool
	TotalBytes int64
	UsedBytes  int64
	ExpiryMs   int64
	NowMs      int64
}

// evalAction is what one monitor pass decided for a row. At most one of the
// fields is set.
type evalAction struct {
	Warn       bool
	Exhaust    bool
	Expire     bool
	HardDelete bool
}

// evaluate is the state machine: active rows move forward to warned, then to
// a terminal status; terminal rows only escalate to hard delete when they
// keep consuming past tolerance. Renewal is the single path back and lives in
// resetToActive, not here.
func evaluate(in evalInput) evalAction {
	var act evalAction
	limited := in.TotalBytes > 0

	ratio := 0.0
	if limited {
		ratio = float64(in.UsedBytes) / float64(in.TotalBytes)
	}

	if in.Status != model.StatusActive {
		if limited && pastTolerance(ratio, in.UsedBytes-in.TotalBytes) {
			act.HardDelete = true
		}
		return act
	}

	if limited && ratio >= 1.0 {
		if pastTolerance(ratio, in.UsedBytes-in.TotalBytes) {
			act.HardDelete = true
		} else {
			act.Exhaust = true
		}
		return act
	}
	if in.ExpiryMs > 0 && in.NowMs >= in.ExpiryMs {
		act.Expire = true
		return act
	}
	if limited && ratio >= warnRatio && !in.Warned70 {
		act.Warn = true
	}
	return act
}

// pastTolerance is the overage rule: a disable that did not stick, or a
// burst between polls, is allowed a small margin before the client is
// removed outright.
func pastTolerance(ratio float64, overageBytes int64) bool {
	return ratio > overageRatio || common.BytesToGB(overageBytes) > overageHardGB
}

// RunCycle reconciles every tracked row once. Panels run concurrently on a
// bounded pool; rows within a panel share one batched snapshot.
func (s *MonitorService) RunCycle(ctx context.Context) {
	start := time.Now()

	clients, err := s.clientService.GetAllClients()
	if err != nil {
		logger.Warning("monitor cycle aborted, ledger read failed:", err)
		return
	}
	panels, err := s.panelService.GetEnabledPanels()
	if err != nil {
		logger.Warning("monitor cycle aborted, panel read failed:", err)
		return
	}

	byPanel := make(map[int][]*model.Client)
	for _, client := range clients {
		byPanel[client.PanelId] = append(byPanel[client.PanelId], client)
	}

	tracked := 0
	var wg sync.WaitGroup
	sem := make(chan struct{}, monitorWorkers)
	for _, p := range panels {
		rows := byPanel[p.Id]
		if len(rows) == 0 {
			continue
		}
		tracked += len(rows)

		wg.Add(1)
		sem <- struct{}{}
		go func(p *model.Panel, rows []*model.Client) {
			defer wg.Done()
			defer func() { <-sem }()
			s.reconcilePanel(ctx, p, rows)
		}(p, rows)
	}
	wg.Wait()

	metrics.MonitorClientsTracked.Set(float64(tracked))
	metrics.MonitorCycleDuration.Observe(time.Since(start).Seconds())
	logger.Debugf("monitor cycle finished: %d clients on %d panels in %s", tracked, len(panels), time.Since(start).Round(time.Millisecond))
}

// reconcilePanel evaluates every ledger row of one panel against one remote
// snapshot. A row the snapshot misses gets a direct lookup, which also
// repairs a stale inbound reference through the moved callback.
func (s *MonitorService) reconcilePanel(ctx context.Context, p *model.Panel, rows []*model.Client) {
	adapter, err := s.connService.Acquire(ctx, p)
	if err != nil {
		logger.Warningf("monitor skipping panel %s: %v", p.Name, err)
		return
	}

	snapshot := s.panelSnapshot(ctx, p, adapter)
	for _, row := range rows {
		if ctx.Err() != nil {
			return
		}
		details, ok := snapshot[row.RemoteUUID]
		if !ok {
			moved := func(newInboundId int) {
				s.panelService.RepairInboundRef(row, newInboundId)
			}
			live, err := adapter.GetClientDetails(ctx, row.InboundId, row.RemoteUUID, moved)
			if err != nil {
				if err == panel.ErrNotFound {
					logger.Warningf("client %s (%d) is gone from panel %s, ledger row left for the operator", row.Name, row.Id, p.Name)
				} else {
					logger.Warningf("monitor lookup of client %s on %s failed: %v", row.Name, p.Name, err)
				}
				continue
			}
			details = *live
		} else if details.InboundId != 0 && details.InboundId != row.InboundId {
			s.panelService.RepairInboundRef(row, details.InboundId)
		}
		s.reconcileRow(ctx, adapter, p, row, &details)
	}
}

// reconcileRow applies one evaluation to one row: remote side effects first,
// then a single ledger write carrying both the transition and the refreshed
// cache fields.
func (s *MonitorService) reconcileRow(ctx context.Context, adapter panel.Adapter, p *model.Panel, row *model.Client, details *panel.Details) {
	now := time.Now()
	act := evaluate(evalInput{
		Status:     row.Status,
		Warned70:   row.Warned70,
		TotalBytes: details.TotalBytes,
		UsedBytes:  details.UsedBytes,
		ExpiryMs:   details.ExpiryMs,
		NowMs:      now.UnixMilli(),
	})

	if act.HardDelete {
		usedGB := common.BytesToGB(details.UsedBytes)
		reason := fmt.Sprintf("%.2f GB consumed of %.2f GB", usedGB, common.BytesToGB(details.TotalBytes))
		logger.Warningf("client %s (%d) on %s is past overage tolerance (%s), deleting", row.Name, row.Id, p.Name, reason)
		if err := adapter.DeleteClient(ctx, row.InboundId, row.RemoteUUID); err != nil {
			logger.Warningf("overage delete of client %s on %s failed, retrying next cycle: %v", row.Name, p.Name, err)
			return
		}
		if err := s.clientService.DeleteClient(row.Id); err != nil {
			logger.Error("ledger delete after overage removal failed:", err)
			return
		}
		s.tgbotService.NotifyDeleted(row, reason)
		return
	}

	switch {
	case act.Warn:
		row.Warned70 = true
		s.tgbotService.NotifyWarn70(row)
	case act.Exhaust:
		s.enterTerminal(ctx, adapter, p, row, model.StatusExhausted, now)
	case act.Expire:
		s.enterTerminal(ctx, adapter, p, row, model.StatusExpired, now)
	default:
		// Terminal rows whose remote disable did not stick get another
		// idempotent attempt.
		if row.Status != model.StatusActive && details.Enable {
			if err := adapter.SetEnabled(ctx, row.InboundId, row.RemoteUUID, false); err != nil {
				logger.Debugf("re-disable of client %s on %s failed: %v", row.Name, p.Name, err)
			}
		}
	}

	row.UsedGB = common.BytesToGB(details.UsedBytes)
	if details.ExpiryMs > 0 {
		row.ExpiryTime = details.ExpiryMs
	}
	if details.LastOnlineMs > 0 {
		row.LastOnlineAt = details.LastOnlineMs
	}
	row.LastSyncedAt = now.UnixMilli()
	if err := s.clientService.UpdateClient(row); err != nil {
		logger.Warningf("monitor write for client %s failed: %v", row.Name, err)
	}
}

// enterTerminal moves a row into exhausted or expired exactly once: terminal
// timestamp, grace deadline, remote disable and the one notification.
func (s *MonitorService) enterTerminal(ctx context.Context, adapter panel.Adapter, p *model.Panel, row *model.Client, status model.ClientStatus, now time.Time) {
	if err := adapter.SetEnabled(ctx, row.InboundId, row.RemoteUUID, false); err != nil {
		logger.Warningf("disable of %s client %s on %s failed, next cycle retries: %v", status, row.Name, p.Name, err)
	}

	row.Status = status
	row.Enable = false
	row.GraceEndAt = now.Add(s.graceWindow()).UnixMilli()
	switch status {
	case model.StatusExhausted:
		row.ExhaustedAt = now.UnixMilli()
		if !row.NotifiedExhausted {
			row.NotifiedExhausted = true
			s.tgbotService.NotifyExhausted(row)
		}
	case model.StatusExpired:
		row.ExpiredAt = now.UnixMilli()
		if !row.NotifiedExpired {
			row.NotifiedExpired = true
			s.tgbotService.NotifyExpired(row)
		}
	}
	logger.Infof("client %s (%d) on %s is %s, grace until %s", row.Name, row.Id, p.Name, status, time.UnixMilli(row.GraceEndAt).Format(time.RFC3339))
}

func (s *MonitorService) graceWindow() time.Duration {
	hours, err := s.settingService.GetGraceHours()
	if err != nil || hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// panelSnapshot returns the panel's batched client view, cached briefly. A
// failed batch degrades to per-row direct lookups, not a skipped panel.
func (s *MonitorService) panelSnapshot(ctx context.Context, p *model.Panel, adapter panel.Adapter) map[string]panel.Details {
	key := fmt.Sprintf("snapshot:%d", p.Id)
	if cached, ok := monitorSnapshots.Get(key); ok {
		if snapshot, ok := cached.(map[string]panel.Details); ok {
			return snapshot
		}
	}
	snapshot, err := adapter.Snapshot(ctx)
	if err != nil {
		logger.Warningf("batch snapshot of panel %s failed, falling back to direct lookups: %v", p.Name, err)
		return nil
	}
	monitorSnapshots.Set(key, snapshot)
	return snapshot
}
