package backup

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/polarfoxDev/anchor/internal/model"
	"github.com/polarfoxDev/anchor/internal/upload"
)

// BackupName is the date-derived name shared by the directory, archive and remote file
func BackupName(t time.Time) string {
	return "Backup_" + t.Format("2006-01-02")
}

// IsFull reports whether a run with n existing backups and interval k is a full backup
func IsFull(n, k int) bool {
	return n%k == 0
}

// NextFullIn is the number of incremental runs left after this one before a full backup.
// Zero means the following run is full.
func NextFullIn(n, k int) int {
	return (k - (n+1)%k) % k
}

// Plan computes the run description: kind, counts and every path the run touches
func (o *Orchestrator) Plan(id string, now time.Time) (model.BackupRun, error) {
	k := o.cfg.General.FullBackupInterval
	if k <= 0 {
		return model.BackupRun{}, fmt.Errorf("full backup interval must be positive, got %d", k)
	}

	targetRoot := o.cfg.Backup.TargetDir
	n, err := CountBackups(o.layout, targetRoot)
	if err != nil {
		return model.BackupRun{}, err
	}

	kind := model.KindIncremental
	if IsFull(n, k) {
		kind = model.KindFull
	}

	name := BackupName(now)
	archive := filepath.Join(o.cfg.Backup.WorkDir, name+".tar")
	encrypted := filepath.Join(o.cfg.Backup.WorkDir, name+"."+o.enc.Extension())

	return model.BackupRun{
		ID:              id,
		Name:            name,
		Kind:            kind,
		ExistingBackups: n,
		Interval:        k,
		NextFullIn:      NextFullIn(n, k),
		StartedAt:       now,
		MirrorDir:       MirrorDir(targetRoot),
		TargetDir:       filepath.Join(o.layout.ParentDir(targetRoot, kind), name),
		ArchiveFile:     archive,
		EncryptedFile:   encrypted,
		RemotePath:      upload.RemotePath(o.cfg.General.DropboxTarget, kind.Dir(), filepath.Base(encrypted)),
	}, nil
}
