package job

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"panelbridge/config"
	"panelbridge/database"
	"panelbridge/logger"
)

const backupKeep = 10

// BackupJob snapshots the sqlite file into the backup folder and prunes old
// copies. A WAL checkpoint runs first so the copy is self-contained.
type BackupJob struct{}

func NewBackupJob() *BackupJob {
	return new(BackupJob)
}

func (j *BackupJob) Run() {
	if err := database.Checkpoint(); err != nil {
		logger.Warning("wal checkpoint before backup failed:", err)
	}

	folder := config.GetBackupFolderPath()
	if err := os.MkdirAll(folder, 0o755); err != nil {
		logger.Warning("create backup folder failed:", err)
		return
	}

	name := fmt.Sprintf("panelbridge_%s.db", time.Now().Format("20060102_150405"))
	dst := filepath.Join(folder, name)
	if err := copyFile(config.GetDBPath(), dst); err != nil {
		logger.Warning("db backup failed:", err)
		return
	}
	logger.Info("db backup written:", dst)

	j.prune(folder)
}

// prune keeps the newest backupKeep files; the timestamped names sort in
// chronological order.
func (j *BackupJob) prune(folder string) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		logger.Warning("list backup folder failed:", err)
		return
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".db" {
			names = append(names, entry.Name())
		}
	}
	if len(names) <= backupKeep {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-backupKeep] {
		if err := os.Remove(filepath.Join(folder, name)); err != nil {
			logger.Warning("prune old backup failed:", err)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
