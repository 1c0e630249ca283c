package service

import (
	"strings"
	"sync"
	"time"

	"panelbridge/database"
	"panelbridge/database/model"
	"panelbridge/logger"

	"gorm.io/gorm"
)

// ClientService is the ledger around provisioned identities. One row exists
// per purchase; fan-out siblings on the remote panel share that row's
// subscription id and are resolved remotely, never stored separately.
type ClientService struct{}

// clientUpdateMutexes provides per-client mutexes to prevent concurrent updates
var clientUpdateMutexes = make(map[int]*sync.Mutex)
var clientMutexLock sync.Mutex

func getClientMutex(clientId int) *sync.Mutex {
	clientMutexLock.Lock()
	defer clientMutexLock.Unlock()

	if mutex, exists := clientUpdateMutexes[clientId]; exists {
		return mutex
	}

	mutex := &sync.Mutex{}
	clientUpdateMutexes[clientId] = mutex
	return mutex
}

// saveWithRetry writes a client row, retrying up to 3 times with exponential
// backoff (50ms, 100ms, 200ms) when sqlite reports the database locked.
func (s *ClientService) saveWithRetry(client *model.Client) error {
	mutex := getClientMutex(client.Id)
	mutex.Lock()
	defer mutex.Unlock()

	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<uint(attempt-1))
			logger.Debugf("Retrying client %d save (attempt %d/%d) after %v", client.Id, attempt+1, maxRetries, delay)
			time.Sleep(delay)
		}

		err = database.GetDB().Save(client).Error
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "locked") {
			continue
		}
		return err
	}
	logger.Warningf("Failed to save client %d after %d retries: %v", client.Id, maxRetries, err)
	return err
}

func (s *ClientService) AddClient(client *model.Client) error {
	return database.GetDB().Create(client).Error
}

func (s *ClientService) UpdateClient(client *model.Client) error {
	return s.saveWithRetry(client)
}

func (s *ClientService) GetClient(id int) (*model.Client, error) {
	db := database.GetDB()
	client := &model.Client{}
	err := db.Model(model.Client{}).First(client, id).Error
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s *ClientService) GetClientByName(name string) (*model.Client, error) {
	db := database.GetDB()
	client := &model.Client{}
	err := db.Model(model.Client{}).Where("name = ?", name).First(client).Error
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s *ClientService) GetClientByRemoteUUID(remoteUUID string) (*model.Client, error) {
	db := database.GetDB()
	client := &model.Client{}
	err := db.Model(model.Client{}).Where("remote_uuid = ?", remoteUUID).First(client).Error
	if err != nil {
		return nil, err
	}
	return client, nil
}

// NameTaken reports whether a service name is already in use.
func (s *ClientService) NameTaken(name string) (bool, error) {
	db := database.GetDB()
	var count int64
	err := db.Model(model.Client{}).Where("name = ?", name).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *ClientService) GetClientsByUser(userId int64) ([]*model.Client, error) {
	db := database.GetDB()
	var clients []*model.Client
	err := db.Model(model.Client{}).Where("user_id = ?", userId).Find(&clients).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	return clients, nil
}

func (s *ClientService) GetClientsByPanel(panelId int) ([]*model.Client, error) {
	db := database.GetDB()
	var clients []*model.Client
	err := db.Model(model.Client{}).Where("panel_id = ?", panelId).Find(&clients).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	return clients, nil
}

func (s *ClientService) GetAllClients() ([]*model.Client, error) {
	db := database.GetDB()
	var clients []*model.Client
	err := db.Model(model.Client{}).Find(&clients).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	return clients, nil
}

// GetGraceExpired returns terminal rows whose deletion grace has passed.
func (s *ClientService) GetGraceExpired(now time.Time) ([]*model.Client, error) {
	db := database.GetDB()
	var clients []*model.Client
	err := db.Model(model.Client{}).
		Where("status <> ?", model.StatusActive).
		Where("grace_end_at > 0 AND grace_end_at <= ?", now.UnixMilli()).
		Find(&clients).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	return clients, nil
}

func (s *ClientService) DeleteClient(id int) error {
	return database.GetDB().Delete(model.Client{}, id).Error
}

// CountByStatus returns ledger row counts keyed by status.
func (s *ClientService) CountByStatus() (map[model.ClientStatus]int64, error) {
	db := database.GetDB()
	type row struct {
		Status model.ClientStatus
		N      int64
	}
	var rows []row
	err := db.Model(model.Client{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[model.ClientStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// RemoveOrphanedClients deletes ledger rows whose panel row is gone. Panels
// removed straight from the database leave their clients behind.
func (s *ClientService) RemoveOrphanedClients() (int64, error) {
	db := database.GetDB()
	result := db.Exec(`DELETE FROM clients WHERE panel_id NOT IN (SELECT id FROM panels)`)
	return result.RowsAffected, result.Error
}
