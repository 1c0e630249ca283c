package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"

	"panelbridge/database/model"
	"panelbridge/logger"
	"panelbridge/panel"
	"panelbridge/util/common"
	"panelbridge/util/random"
)

var serviceNameRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,20}$`)

const (
	transientAttempts = 3
	bulkDetailCap     = 20
)

// LifecycleService orchestrates the multi-step provisioning workflows:
// creation fan-out, cross-panel migration, renewal, identity reset, deletion.
// Panel calls are blocking I/O; callers on a request path run these on their
// own goroutine.
type LifecycleService struct {
	connService   ConnService
	panelService  PanelService
	clientService ClientService
	tgbotService  Tgbot
}

// CreateServiceResult reports a successful provisioning.
type CreateServiceResult struct {
	Client       *model.Client
	Link         string
	CreatedCount int
	Failed       []string
}

// LiveStatus is the fresh remote view plus derived fields for one service.
type LiveStatus struct {
	Client      *model.Client `json:"client"`
	Enabled     bool          `json:"enabled"`
	TotalGB     float64       `json:"totalGb"`
	UsedGB      float64       `json:"usedGb"`
	RemainingGB float64       `json:"remainingGb"`
	UsageRatio  float64       `json:"usageRatio"`
	ExpiryTime  int64         `json:"expiryTime"`
	Online      bool          `json:"online"`
	LastOnline  int64         `json:"lastOnline"`
	Link        string        `json:"link"`
}

// retryTransient runs fn up to 3 times with 1s/3s backoff when the failure is
// transient. Every other error returns immediately.
func retryTransient(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < transientAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Second
			if attempt == 2 {
				delay = 3 * time.Second
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			logger.Debugf("%s retry %d/%d", op, attempt+1, transientAttempts)
		}
		err = fn()
		if err == nil || !panel.IsTransient(err) {
			return err
		}
	}
	return err
}

func expiryMsFromDays(days int) int64 {
	if days <= 0 {
		return 0
	}
	return time.Now().Add(time.Duration(days) * 24 * time.Hour).UnixMilli()
}

// remainingDaysFromMs converts an absolute expiry to whole days from now,
// rounding up so a partially consumed day still counts.
func remainingDaysFromMs(expiryMs int64, now time.Time) int {
	if expiryMs <= 0 {
		return 0
	}
	left := expiryMs - now.UnixMilli()
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(float64(left) / float64(24*time.Hour/time.Millisecond)))
}

// CreateService provisions a new identity and writes the ledger row. An
// inboundId of 0 selects the purchase path: every enabled inbound of the
// panel under one subscription id. The ledger row is written only after at
// least one remote create succeeded.
func (s *LifecycleService) CreateService(ctx context.Context, userId int64, panelId int, inboundId int, name string, quotaGB float64, days int) (*CreateServiceResult, error) {
	if !serviceNameRegexp.MatchString(name) {
		return nil, common.NewErrorf("invalid service name %q: 3-20 characters, letters, digits, dash, underscore", name)
	}
	taken, err := s.clientService.NameTaken(name)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, &NameCollisionError{Name: name}
	}

	p, err := s.panelService.GetPanel(panelId)
	if err != nil {
		return nil, err
	}
	if !p.Enable {
		return nil, common.NewErrorf("panel %s is disabled", p.Name)
	}

	adapter, err := s.connService.Acquire(ctx, p)
	if err != nil {
		return nil, err
	}

	result := &CreateServiceResult{}
	row := &model.Client{
		UserId:  userId,
		PanelId: p.Id,
		Name:    name,
		TotalGB: quotaGB,
		Status:  model.StatusActive,
		Enable:  true,
	}

	if inboundId == 0 {
		var fanout *panel.FanoutResult
		err = retryTransient(ctx, "create fan-out", func() error {
			var ferr error
			fanout, ferr = adapter.CreateOnAllInbounds(ctx, name, days, quotaGB)
			return ferr
		})
		if err != nil {
			return nil, err
		}
		if fanout.CreatedCount == 0 {
			return nil, &panel.ProvisionError{Panel: p.Name, Remote: "no inbound accepted the client"}
		}
		row.InboundId = fanout.PrimaryInboundId
		row.RemoteUUID = fanout.RemoteUUID
		row.SubId = fanout.SubId
		row.Protocol = fanout.Protocol
		result.CreatedCount = fanout.CreatedCount
		result.Failed = fanout.Failed
	} else {
		var created *panel.CreateResult
		err = retryTransient(ctx, "create client", func() error {
			var cerr error
			created, cerr = adapter.CreateClient(ctx, inboundId, name, p.DefaultProtocol, days, quotaGB)
			return cerr
		})
		if err != nil {
			return nil, err
		}
		row.InboundId = inboundId
		row.RemoteUUID = created.RemoteUUID
		row.SubId = created.SubId
		row.Protocol = created.Protocol
		result.CreatedCount = 1
	}

	row.ExpiryTime = expiryMsFromDays(days)
	row.SubLink = adapter.SubscriptionLink(row.SubId, row.Protocol)
	row.LastSyncedAt = time.Now().UnixMilli()

	if err := s.clientService.AddClient(row); err != nil {
		logger.Errorf("client %s provisioned on panel %s but ledger write failed, manual reconciliation needed: %v", name, p.Name, err)
		return nil, err
	}

	result.Client = row
	result.Link = row.SubLink
	logger.Infof("service %s created on panel %s (%d remote clients, sub %s)", name, p.Name, result.CreatedCount, row.SubId)
	return result, nil
}

// MigrateResult reports a finished migration. Anomaly is non-empty when the
// source delete failed and a duplicate remote client was left behind.
type MigrateResult struct {
	ClientId  int     `json:"clientId"`
	FromPanel string  `json:"fromPanel"`
	ToPanel   string  `json:"toPanel"`
	MovedGB   float64 `json:"movedGb"`
	Link      string  `json:"link"`
	Anomaly   string  `json:"anomaly,omitempty"`
}

// migration carries the saga state across steps.
type migration struct {
	client *model.Client
	source *model.Panel
	dest   *model.Panel

	srcAdapter panel.Adapter
	dstAdapter panel.Adapter

	live        *panel.Details
	remainingGB float64
	destMainId  int
	fanout      *panel.FanoutResult
	link        string

	deleteAttempted bool
	anomaly         string
}

type migrationStep struct {
	name       string
	run        func(ctx context.Context) error
	compensate func(ctx context.Context)
}

// MigrateService moves one service to another panel. Create-before-delete is
// a hard invariant: the destination client exists before the source delete is
// attempted, and once that delete has been attempted the destination is never
// torn down, even if the delete failed. Preconditions that fail on the cached
// ledger row make zero remote calls.
func (s *LifecycleService) MigrateService(ctx context.Context, clientId int, destPanelId int) (*MigrateResult, error) {
	client, err := s.clientService.GetClient(clientId)
	if err != nil {
		return nil, err
	}
	source, err := s.panelService.GetPanel(client.PanelId)
	if err != nil {
		return nil, err
	}
	dest, err := s.panelService.GetPanel(destPanelId)
	if err != nil {
		return nil, err
	}
	if dest.Id == source.Id {
		return nil, common.NewErrorf("client %d is already on panel %s", clientId, dest.Name)
	}
	if !dest.Enable {
		return nil, common.NewErrorf("destination panel %s is disabled", dest.Name)
	}

	// Cached-row precondition: nothing transferable means zero remote calls.
	if client.Unlimited() {
		return nil, &InsufficientRemainingError{Unlimited: true}
	}
	if client.RemainingGB() <= 0 {
		return nil, &InsufficientRemainingError{RemainingGB: 0}
	}

	m := &migration{client: client, source: source, dest: dest}
	steps := s.migrationSteps(m)

	var done []migrationStep
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			logger.Warningf("migration of client %d to %s failed at %s: %v", clientId, dest.Name, step.name, err)
			if !m.deleteAttempted {
				for i := len(done) - 1; i >= 0; i-- {
					if done[i].compensate != nil {
						done[i].compensate(ctx)
					}
				}
			}
			return nil, err
		}
		done = append(done, step)
	}

	if m.anomaly != "" {
		logger.Errorf("consistency anomaly for client %d: %s", clientId, m.anomaly)
		s.tgbotService.NotifyMigrationAnomaly(m.client, source.Name, dest.Name, m.anomaly)
	}
	logger.Infof("client %d migrated %s -> %s (%.2f GB)", clientId, source.Name, dest.Name, m.remainingGB)
	return &MigrateResult{
		ClientId:  clientId,
		FromPanel: source.Name,
		ToPanel:   dest.Name,
		MovedGB:   m.remainingGB,
		Link:      m.link,
		Anomaly:   m.anomaly,
	}, nil
}

// migrationSteps builds the saga table. Compensations run in reverse for
// completed steps, and only while no source delete has been attempted.
func (s *LifecycleService) migrationSteps(m *migration) []migrationStep {
	return []migrationStep{
		{
			name: "readSource",
			run: func(ctx context.Context) error {
				adapter, err := s.connService.Acquire(ctx, m.source)
				if err != nil {
					return err
				}
				m.srcAdapter = adapter
				moved := func(newInboundId int) {
					s.panelService.RepairInboundRef(m.client, newInboundId)
				}
				return retryTransient(ctx, "read source", func() error {
					var derr error
					m.live, derr = adapter.GetClientDetails(ctx, m.client.InboundId, m.client.RemoteUUID, moved)
					return derr
				})
			},
		},
		{
			name: "checkRemaining",
			run: func(ctx context.Context) error {
				if m.live.TotalBytes <= 0 {
					return &InsufficientRemainingError{Unlimited: true}
				}
				remaining := m.live.TotalBytes - m.live.UsedBytes
				if remaining <= 0 {
					return &InsufficientRemainingError{RemainingGB: 0}
				}
				m.remainingGB = common.BytesToGB(remaining)
				return nil
			},
		},
		{
			name: "resolveDest",
			run: func(ctx context.Context) error {
				adapter, err := s.connService.Acquire(ctx, m.dest)
				if err != nil {
					return err
				}
				m.dstAdapter = adapter

				var inbounds []panel.Inbound
				err = retryTransient(ctx, "list destination inbounds", func() error {
					var lerr error
					inbounds, lerr = adapter.ListInbounds(ctx)
					return lerr
				})
				if err != nil {
					return err
				}
				for _, ib := range inbounds {
					if ib.Enable {
						m.destMainId = ib.Id
						break
					}
				}
				if m.destMainId == 0 {
					return &panel.ProvisionError{Panel: m.dest.Name, Remote: "no enabled inbound"}
				}
				if main, err := s.panelService.GetMainInbound(m.dest.Id); err == nil {
					for _, ib := range inbounds {
						if ib.Enable && ib.Id == main.InboundId {
							m.destMainId = main.InboundId
							break
						}
					}
				}
				return nil
			},
		},
		{
			name: "createDest",
			run: func(ctx context.Context) error {
				days := remainingDaysFromMs(m.live.ExpiryMs, time.Now())
				err := retryTransient(ctx, "create destination", func() error {
					var cerr error
					m.fanout, cerr = m.dstAdapter.CreateOnAllInbounds(ctx, m.client.Name, days, m.remainingGB)
					return cerr
				})
				if err != nil {
					return err
				}
				if m.fanout.CreatedCount == 0 {
					return &panel.ProvisionError{Panel: m.dest.Name, Remote: "no inbound accepted the client"}
				}
				if m.fanout.PrimaryInboundId != 0 {
					m.destMainId = m.fanout.PrimaryInboundId
				}
				// Day-granular create, exact expiry after.
				if m.live.ExpiryMs > 0 {
					if err := m.dstAdapter.UpdateExpiry(ctx, m.destMainId, m.fanout.RemoteUUID, m.live.ExpiryMs); err != nil {
						return err
					}
				}
				return nil
			},
			compensate: func(ctx context.Context) {
				if m.fanout == nil {
					return
				}
				if err := m.dstAdapter.DeleteClient(ctx, m.destMainId, m.fanout.RemoteUUID); err != nil {
					logger.Warningf("teardown of half-created destination client %s on %s failed: %v", m.fanout.RemoteUUID, m.dest.Name, err)
				}
			},
		},
		{
			name: "buildLink",
			run: func(ctx context.Context) error {
				m.link = m.dstAdapter.SubscriptionLink(m.fanout.SubId, m.fanout.Protocol)
				return nil
			},
		},
		{
			name: "deleteSource",
			run: func(ctx context.Context) error {
				m.deleteAttempted = true
				err := retryTransient(ctx, "delete source", func() error {
					return m.srcAdapter.DeleteClient(ctx, m.client.InboundId, m.client.RemoteUUID)
				})
				if err != nil {
					// Duplicate live client: destination is kept, the ledger
					// moves on, the operator resolves the leftover.
					m.anomaly = fmt.Sprintf("source delete on %s failed, remote client %s still live: %v", m.source.Name, m.client.RemoteUUID, err)
				}
				return nil
			},
		},
		{
			name: "writeLedger",
			run: func(ctx context.Context) error {
				m.client.PanelId = m.dest.Id
				m.client.InboundId = m.destMainId
				m.client.RemoteUUID = m.fanout.RemoteUUID
				m.client.SubId = m.fanout.SubId
				m.client.Protocol = m.fanout.Protocol
				m.client.TotalGB = m.remainingGB
				m.client.UsedGB = 0
				m.client.ExpiryTime = m.live.ExpiryMs
				m.client.SubLink = m.link
				m.client.LastSyncedAt = time.Now().UnixMilli()
				if err := s.clientService.UpdateClient(m.client); err != nil {
					logger.Errorf("client %d migrated remotely but ledger write failed, ledger is stale: %v", m.client.Id, err)
					return err
				}
				return nil
			},
		},
	}
}

// BulkMigrationReport aggregates a panel-wide migration. Details is capped;
// the counters stay exact.
type BulkMigrationReport struct {
	Total   int      `json:"total"`
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Details []string `json:"details"`
}

// BulkPanelMigration runs the per-client migration across every ledger row on
// the source panel. Per-client failures never abort the batch; each client
// commits independently. Callers run this off the request path.
func (s *LifecycleService) BulkPanelMigration(ctx context.Context, sourcePanelId, destPanelId int) (*BulkMigrationReport, error) {
	if sourcePanelId == destPanelId {
		return nil, common.NewError("source and destination panels are the same")
	}
	clients, err := s.clientService.GetClientsByPanel(sourcePanelId)
	if err != nil {
		return nil, err
	}

	report := &BulkMigrationReport{Total: len(clients)}
	truncated := 0
	addDetail := func(line string) {
		if len(report.Details) < bulkDetailCap {
			report.Details = append(report.Details, line)
		} else {
			truncated++
		}
	}

	for _, client := range clients {
		if ctx.Err() != nil {
			addDetail(fmt.Sprintf("aborted with %d clients left: %v", report.Total-report.Success-report.Failed-report.Skipped, ctx.Err()))
			break
		}
		res, err := s.MigrateService(ctx, client.Id, destPanelId)
		if err != nil {
			var insufficient *InsufficientRemainingError
			if errors.As(err, &insufficient) {
				report.Skipped++
				addDetail(fmt.Sprintf("%s: skipped, %v", client.Name, err))
				continue
			}
			report.Failed++
			addDetail(fmt.Sprintf("%s: %v", client.Name, err))
			continue
		}
		report.Success++
		if res.Anomaly != "" {
			addDetail(fmt.Sprintf("%s: migrated with anomaly: %s", client.Name, res.Anomaly))
		}
	}
	if truncated > 0 {
		report.Details = append(report.Details, fmt.Sprintf("... and %d more", truncated))
	}

	logger.Infof("bulk migration %d -> %d finished: %d total, %d ok, %d failed, %d skipped",
		sourcePanelId, destPanelId, report.Total, report.Success, report.Failed, report.Skipped)
	return report, nil
}

// ResetLink rotates the remote identity and rebuilds the subscription link.
// Quota and expiry stay untouched. The previous link stops resolving on
// panels that key subscription lookup by the rotated identity.
func (s *LifecycleService) ResetLink(ctx context.Context, clientId int) (string, error) {
	client, err := s.clientService.GetClient(clientId)
	if err != nil {
		return "", err
	}
	p, err := s.panelService.GetPanel(client.PanelId)
	if err != nil {
		return "", err
	}
	adapter, err := s.connService.Acquire(ctx, p)
	if err != nil {
		return "", err
	}

	var res *panel.ResetResult
	err = retryTransient(ctx, "reset identity", func() error {
		var rerr error
		res, rerr = adapter.ResetIdentity(ctx, client.InboundId, client.RemoteUUID)
		return rerr
	})
	if err != nil {
		return "", err
	}

	client.RemoteUUID = res.NewUUID
	if res.SubId != "" {
		client.SubId = res.SubId
	} else if client.SubId == "" {
		// Legacy rows provisioned before subscription ids existed.
		client.SubId = random.LowerSeq(16)
	}
	client.SubLink = adapter.SubscriptionLink(client.SubId, client.Protocol)

	if err := s.clientService.UpdateClient(client); err != nil {
		return "", err
	}
	logger.Infof("client %d identity reset, new link issued", clientId)
	return client.SubLink, nil
}

// RenewService applies a renewal plan: remote quota/expiry/enable first, then
// the ledger reset back to active in one transition.
func (s *LifecycleService) RenewService(ctx context.Context, clientId int, method RenewalMethod, addGB float64, addDays int) (*model.Client, error) {
	client, err := s.clientService.GetClient(clientId)
	if err != nil {
		return nil, err
	}
	p, err := s.panelService.GetPanel(client.PanelId)
	if err != nil {
		return nil, err
	}
	adapter, err := s.connService.Acquire(ctx, p)
	if err != nil {
		return nil, err
	}

	moved := func(newInboundId int) {
		s.panelService.RepairInboundRef(client, newInboundId)
	}
	var live *panel.Details
	err = retryTransient(ctx, "read before renewal", func() error {
		var derr error
		live, derr = adapter.GetClientDetails(ctx, client.InboundId, client.RemoteUUID, moved)
		return derr
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	usedGB := common.BytesToGB(live.UsedBytes)
	remainingGB := 0.0
	if live.TotalBytes > 0 {
		remainingGB = common.BytesToGB(live.TotalBytes - live.UsedBytes)
	}
	plan := CalculateRenewal(method, remainingGB, remainingDaysFromMs(live.ExpiryMs, now), addGB, addDays)

	// The subscriber must end up with plan.FinalGB available. Without a
	// counter reset the ceiling has to absorb what is already consumed.
	ceilingGB := plan.FinalGB
	if !plan.ResetUsage && plan.FinalGB > 0 {
		ceilingGB += usedGB
	}

	err = retryTransient(ctx, "renewal quota", func() error {
		return adapter.UpdateQuota(ctx, client.InboundId, client.RemoteUUID, ceilingGB)
	})
	if err != nil {
		return nil, err
	}
	if plan.ResetUsage {
		err = retryTransient(ctx, "renewal usage reset", func() error {
			return adapter.ResetUsage(ctx, client.InboundId, client.RemoteUUID)
		})
		if err != nil {
			return nil, err
		}
	}
	newExpiry := expiryMsFromDays(plan.FinalDays)
	err = retryTransient(ctx, "renewal expiry", func() error {
		return adapter.UpdateExpiry(ctx, client.InboundId, client.RemoteUUID, newExpiry)
	})
	if err != nil {
		return nil, err
	}
	err = retryTransient(ctx, "renewal enable", func() error {
		return adapter.SetEnabled(ctx, client.InboundId, client.RemoteUUID, true)
	})
	if err != nil {
		return nil, err
	}

	client.TotalGB = ceilingGB
	if plan.ResetUsage {
		client.UsedGB = 0
	} else {
		client.UsedGB = usedGB
	}
	client.ExpiryTime = newExpiry
	resetToActive(client)
	client.LastSyncedAt = now.UnixMilli()

	if err := s.clientService.UpdateClient(client); err != nil {
		return nil, err
	}
	logger.Infof("client %d renewed via %s: %.2f GB available, %d days", clientId, method, plan.FinalGB, plan.FinalDays)
	return client, nil
}

// PreviewRenewal computes the plan from the cached ledger row without talking
// to the panel. The applied renewal reads fresh remote state, so the numbers
// can differ slightly when the cache is stale.
func (s *LifecycleService) PreviewRenewal(clientId int, method RenewalMethod, addGB float64, addDays int) (*RenewalPlan, error) {
	client, err := s.clientService.GetClient(clientId)
	if err != nil {
		return nil, err
	}
	plan := CalculateRenewal(method, client.RemainingGB(), remainingDaysFromMs(client.ExpiryTime, time.Now()), addGB, addDays)
	return &plan, nil
}

// resetToActive is the single transition back from any state: renewal and
// add-volume both land here.
func resetToActive(client *model.Client) {
	client.Status = model.StatusActive
	client.Enable = true
	client.Warned70 = false
	client.NotifiedExhausted = false
	client.NotifiedExpired = false
	client.ExhaustedAt = 0
	client.ExpiredAt = 0
	client.GraceEndAt = 0
}

// DeleteService removes the remote client first, then the ledger row. The
// ledger delete proceeds regardless of the remote outcome; remote failures
// are logged, not surfaced.
func (s *LifecycleService) DeleteService(ctx context.Context, clientId int) error {
	client, err := s.clientService.GetClient(clientId)
	if err != nil {
		return err
	}

	p, err := s.panelService.GetPanel(client.PanelId)
	if err == nil {
		if adapter, aerr := s.connService.Acquire(ctx, p); aerr == nil {
			derr := retryTransient(ctx, "delete remote client", func() error {
				return adapter.DeleteClient(ctx, client.InboundId, client.RemoteUUID)
			})
			if derr != nil {
				logger.Warningf("remote delete of client %d on %s failed, ledger delete proceeds: %v", clientId, p.Name, derr)
			}
		} else {
			logger.Warningf("panel %s unreachable for client %d delete, ledger delete proceeds: %v", p.Name, clientId, aerr)
		}
	} else {
		logger.Warningf("panel lookup for client %d failed, ledger delete proceeds: %v", clientId, err)
	}

	return s.clientService.DeleteClient(clientId)
}

// GetLiveStatus reads the fresh remote state and derives the fields the UI
// collaborator renders. Online means activity within the last two minutes.
func (s *LifecycleService) GetLiveStatus(ctx context.Context, clientId int) (*LiveStatus, error) {
	client, err := s.clientService.GetClient(clientId)
	if err != nil {
		return nil, err
	}
	p, err := s.panelService.GetPanel(client.PanelId)
	if err != nil {
		return nil, err
	}
	adapter, err := s.connService.Acquire(ctx, p)
	if err != nil {
		return nil, err
	}

	moved := func(newInboundId int) {
		s.panelService.RepairInboundRef(client, newInboundId)
	}
	var live *panel.Details
	err = retryTransient(ctx, "live status", func() error {
		var derr error
		live, derr = adapter.GetClientDetails(ctx, client.InboundId, client.RemoteUUID, moved)
		return derr
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	status := &LiveStatus{
		Client:     client,
		Enabled:    live.Enable,
		TotalGB:    common.BytesToGB(live.TotalBytes),
		UsedGB:     common.BytesToGB(live.UsedBytes),
		ExpiryTime: live.ExpiryMs,
		LastOnline: live.LastOnlineMs,
		Online:     live.LastOnlineMs > 0 && now.UnixMilli()-live.LastOnlineMs <= onlineWindowMs,
		Link:       client.SubLink,
	}
	if live.TotalBytes > 0 {
		status.RemainingGB = common.BytesToGB(live.TotalBytes - live.UsedBytes)
		if status.RemainingGB < 0 {
			status.RemainingGB = 0
		}
		status.UsageRatio = float64(live.UsedBytes) / float64(live.TotalBytes)
	}
	return status, nil
}

