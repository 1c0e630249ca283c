package service

import (
	"bytes"

	"panelbridge/database/model"

	"github.com/xuri/excelize/v2"
)

// ExportService renders the ledger as an xlsx workbook for offline review,
// one sheet for clients and one for panels.
type ExportService struct {
	clientService ClientService
	panelService  PanelService
}

func (s *ExportService) ExportXlsx() ([]byte, error) {
	clients, err := s.clientService.GetAllClients()
	if err != nil {
		return nil, err
	}
	panels, err := s.panelService.GetPanels()
	if err != nil {
		return nil, err
	}

	panelNames := make(map[int]string, len(panels))
	for _, p := range panels {
		panelNames[p.Id] = p.Name
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if err := f.SetSheetName(sheet, "Clients"); err != nil {
		return nil, err
	}
	if err := s.writeClientSheet(f, "Clients", clients, panelNames); err != nil {
		return nil, err
	}

	if _, err := f.NewSheet("Panels"); err != nil {
		return nil, err
	}
	if err := s.writePanelSheet(f, "Panels", panels); err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	if err := f.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *ExportService) writeClientSheet(f *excelize.File, sheet string, clients []*model.Client, panelNames map[int]string) error {
	header := []interface{}{
		"id",
		"name",
		"panel",
		"inbound_id",
		"protocol",
		"remote_uuid",
		"sub_id",
		"status",
		"enable",
		"total_gb",
		"used_gb",
		"expire_date",
		"warned_70",
		"grace_end",
		"last_online",
		"last_synced",
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	row := 2
	for _, client := range clients {
		excelRow := []interface{}{
			client.Id,
			client.Name,
			panelNames[client.PanelId],
			client.InboundId,
			string(client.Protocol),
			client.RemoteUUID,
			client.SubId,
			string(client.Status),
			client.Enable,
			client.TotalGB,
			client.UsedGB,
			formatMs(client.ExpiryTime),
			client.Warned70,
			formatMs(client.GraceEndAt),
			formatMs(client.LastOnlineAt),
			formatMs(client.LastSyncedAt),
		}
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &excelRow); err != nil {
			return err
		}
		row++
	}
	return nil
}

func (s *ExportService) writePanelSheet(f *excelize.File, sheet string, panels []*model.Panel) error {
	header := []interface{}{
		"id",
		"name",
		"kind",
		"base_url",
		"default_protocol",
		"sale_type",
		"price_per_gb",
		"enable",
		"status",
		"last_checked",
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	row := 2
	for _, p := range panels {
		excelRow := []interface{}{
			p.Id,
			p.Name,
			string(p.Kind),
			p.BaseUrl,
			string(p.DefaultProtocol),
			string(p.SaleType),
			p.PricePerGB,
			p.Enable,
			string(p.Status),
			formatMs(p.LastCheckedAt),
		}
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &excelRow); err != nil {
			return err
		}
		row++
	}
	return nil
}
