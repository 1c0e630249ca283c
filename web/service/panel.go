package service

import (
	"context"
	"os"
	"syscall"
	"time"

	"panelbridge/database"
	"panelbridge/database/model"
	"panelbridge/logger"
	"panelbridge/util/common"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// PanelService manages the registry of remote panels: CRUD, the YAML seed
// import, health probing, and the cached inbound snapshots.
type PanelService struct {
	connService ConnService
}

type seedFile struct {
	Panels []seedPanel `yaml:"panels"`
}

type seedPanel struct {
	Name            string  `yaml:"name"`
	Kind            string  `yaml:"kind"`
	BaseUrl         string  `yaml:"baseUrl"`
	Username        string  `yaml:"username"`
	Password        string  `yaml:"password"`
	TwoFactorSecret string  `yaml:"twoFactorSecret"`
	SubBaseUrl      string  `yaml:"subBaseUrl"`
	DefaultProtocol string  `yaml:"defaultProtocol"`
	PricePerGB      float64 `yaml:"pricePerGb"`
	SaleType        string  `yaml:"saleType"`
}

func (s *PanelService) GetPanels() ([]*model.Panel, error) {
	db := database.GetDB()
	var panels []*model.Panel
	err := db.Model(model.Panel{}).Find(&panels).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	return panels, nil
}

func (s *PanelService) GetEnabledPanels() ([]*model.Panel, error) {
	db := database.GetDB()
	var panels []*model.Panel
	err := db.Model(model.Panel{}).Where("enable = ?", true).Find(&panels).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	return panels, nil
}

func (s *PanelService) GetPanel(id int) (*model.Panel, error) {
	db := database.GetDB()
	p := &model.Panel{}
	err := db.Model(model.Panel{}).First(p, id).Error
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PanelService) GetPanelByName(name string) (*model.Panel, error) {
	db := database.GetDB()
	p := &model.Panel{}
	err := db.Model(model.Panel{}).Where("name = ?", name).First(p).Error
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PanelService) AddPanel(p *model.Panel) error {
	if p.Name == "" || p.BaseUrl == "" {
		return common.NewError("panel name and base url are required")
	}
	return database.GetDB().Create(p).Error
}

// UpdatePanel persists changes and drops the cached session so the next call
// authenticates against the new configuration.
func (s *PanelService) UpdatePanel(p *model.Panel) error {
	err := database.GetDB().Save(p).Error
	if err != nil {
		return err
	}
	s.connService.Invalidate(p.Id)
	return nil
}

// DeletePanel refuses while ledger rows still reference the panel.
func (s *PanelService) DeletePanel(id int) error {
	db := database.GetDB()
	var count int64
	err := db.Model(model.Client{}).Where("panel_id = ?", id).Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return common.NewErrorf("panel %d still has %d clients, migrate them first", id, count)
	}
	err = db.Where("panel_id = ?", id).Delete(model.PanelInbound{}).Error
	if err != nil {
		return err
	}
	err = db.Delete(model.Panel{}, id).Error
	if err != nil {
		return err
	}
	s.connService.Invalidate(id)
	return nil
}

// ImportSeed bootstraps panels from a YAML file. Existing names are left
// untouched; the seed only fills gaps.
func (s *PanelService) ImportSeed(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, common.NewErrorf("parse %s: %v", path, err)
	}

	imported := 0
	for _, sp := range seed.Panels {
		if sp.Name == "" || sp.BaseUrl == "" {
			logger.Warningf("seed entry without name or baseUrl skipped")
			continue
		}
		_, err := s.GetPanelByName(sp.Name)
		if err == nil {
			logger.Debugf("seed panel %s already exists, skipped", sp.Name)
			continue
		}
		if !database.IsNotFound(err) {
			return imported, err
		}

		p := &model.Panel{
			Name:            sp.Name,
			Kind:            model.PanelKind(sp.Kind),
			BaseUrl:         sp.BaseUrl,
			Username:        sp.Username,
			Password:        sp.Password,
			TwoFactorSecret: sp.TwoFactorSecret,
			SubBaseUrl:      sp.SubBaseUrl,
			PricePerGB:      sp.PricePerGB,
			Enable:          true,
			Status:          model.PanelHealthy,
		}
		if sp.Kind == "" {
			p.Kind = model.KindSanaei
		}
		if sp.DefaultProtocol != "" {
			p.DefaultProtocol = model.Protocol(sp.DefaultProtocol)
		}
		if sp.SaleType != "" {
			p.SaleType = model.SaleType(sp.SaleType)
		}
		if err := s.AddPanel(p); err != nil {
			return imported, err
		}
		imported++
		logger.Infof("seed panel %s (%s) imported", p.Name, p.Kind)
	}
	return imported, nil
}

// CheckPanel probes the panel with a login and records the result. Returns
// true when the health status flipped.
func (s *PanelService) CheckPanel(ctx context.Context, p *model.Panel) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err := s.connService.Acquire(probeCtx, p)

	status := model.PanelHealthy
	if err != nil {
		status = model.PanelUnreachable
	}
	changed := p.Status != status

	p.Status = status
	p.LastCheckedAt = time.Now().UnixMilli()
	dbErr := database.GetDB().Model(model.Panel{}).
		Where("id = ?", p.Id).
		Updates(map[string]any{"status": status, "last_checked_at": p.LastCheckedAt}).Error
	if dbErr != nil {
		logger.Warning("update panel status failed:", dbErr)
	}
	return changed, err
}

// SyncInbounds refreshes the cached inbound snapshot from the remote panel.
// Rows that vanished remotely are removed; the IsMain designation survives
// when its inbound still exists, otherwise it falls to the panel's default
// inbound, then to the first enabled one.
func (s *PanelService) SyncInbounds(ctx context.Context, p *model.Panel) error {
	adapter, err := s.connService.Acquire(ctx, p)
	if err != nil {
		return err
	}
	remote, err := adapter.ListInbounds(ctx)
	if err != nil {
		return err
	}

	db := database.GetDB()
	var existing []*model.PanelInbound
	err = db.Model(model.PanelInbound{}).Where("panel_id = ?", p.Id).Find(&existing).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}

	existingById := make(map[int]*model.PanelInbound, len(existing))
	mainInboundId := 0
	for _, row := range existing {
		existingById[row.InboundId] = row
		if row.IsMain {
			mainInboundId = row.InboundId
		}
	}

	seen := make(map[int]bool, len(remote))
	for _, ib := range remote {
		seen[ib.Id] = true
		if row, ok := existingById[ib.Id]; ok {
			row.Tag = ib.Tag
			row.Protocol = ib.Protocol
			row.Port = ib.Port
			row.Enable = ib.Enable
			if err := db.Save(row).Error; err != nil {
				return err
			}
			continue
		}
		row := &model.PanelInbound{
			PanelId:   p.Id,
			InboundId: ib.Id,
			Tag:       ib.Tag,
			Protocol:  ib.Protocol,
			Port:      ib.Port,
			Enable:    ib.Enable,
		}
		if err := db.Create(row).Error; err != nil {
			return err
		}
	}

	for inboundId := range existingById {
		if !seen[inboundId] {
			err := db.Where("panel_id = ? AND inbound_id = ?", p.Id, inboundId).
				Delete(model.PanelInbound{}).Error
			if err != nil {
				return err
			}
			if inboundId == mainInboundId {
				mainInboundId = 0
			}
		}
	}

	if mainInboundId == 0 || !seen[mainInboundId] {
		return s.electMainInbound(p)
	}
	return nil
}

// electMainInbound designates exactly one main inbound: the panel's default
// if present and enabled, else the first enabled row.
func (s *PanelService) electMainInbound(p *model.Panel) error {
	db := database.GetDB()
	err := db.Model(model.PanelInbound{}).Where("panel_id = ?", p.Id).
		Update("is_main", false).Error
	if err != nil {
		return err
	}

	var rows []*model.PanelInbound
	err = db.Model(model.PanelInbound{}).
		Where("panel_id = ? AND enable = ?", p.Id, true).
		Order("inbound_id").
		Find(&rows).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	chosen := rows[0]
	for _, row := range rows {
		if row.InboundId == p.DefaultInboundId {
			chosen = row
			break
		}
	}
	chosen.IsMain = true
	return db.Save(chosen).Error
}

func (s *PanelService) GetInbounds(panelId int) ([]*model.PanelInbound, error) {
	db := database.GetDB()
	var rows []*model.PanelInbound
	err := db.Model(model.PanelInbound{}).Where("panel_id = ?", panelId).
		Order("inbound_id").Find(&rows).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	return rows, nil
}

func (s *PanelService) GetMainInbound(panelId int) (*model.PanelInbound, error) {
	db := database.GetDB()
	row := &model.PanelInbound{}
	err := db.Model(model.PanelInbound{}).
		Where("panel_id = ? AND is_main = ?", panelId, true).
		First(row).Error
	if err != nil {
		return nil, err
	}
	return row, nil
}

// RepairInboundRef points a ledger row at the inbound where the remote panel
// actually found the client. The cached link is left alone; it is keyed by
// sub id, not inbound.
func (s *PanelService) RepairInboundRef(client *model.Client, newInboundId int) {
	old := client.InboundId
	client.InboundId = newInboundId
	err := database.GetDB().Model(model.Client{}).
		Where("id = ?", client.Id).
		Update("inbound_id", newInboundId).Error
	if err != nil {
		logger.Warningf("repair inbound ref for client %d (%d -> %d) failed: %v", client.Id, old, newInboundId, err)
		return
	}
	logger.Infof("client %d inbound reference repaired: %d -> %d", client.Id, old, newInboundId)
}

// RestartPanel signals the running process to restart after a delay.
func (s *PanelService) RestartPanel(delay time.Duration) error {
	p, err := os.FindProcess(syscall.Getpid())
	if err != nil {
		return err
	}
	go func() {
		time.Sleep(delay)
		err := p.Signal(syscall.SIGHUP)
		if err != nil {
			logger.Error("failed to send SIGHUP signal:", err)
		}
	}()
	return nil
}
