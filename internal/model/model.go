package model

import (
	"time"
)

// Kind tells whether a run copies against the mirror or against an empty baseline
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

// Dir returns the directory name used for this kind, locally and on the remote
func (k Kind) Dir() string {
	if k == KindFull {
		return "Full"
	}
	return "Incremental"
}

// Layout decides where full backups are stored relative to incremental ones
type Layout string

const (
	LayoutShared   Layout = "shared"   // full backups live in the Incremental tree
	LayoutSeparate Layout = "separate" // full backups live in their own Full tree
)

// Stage is a step of the backup state machine
type Stage string

const (
	StageIdle       Stage = "idle"
	StageMirrorPrep Stage = "mirror_prep"
	StageBackupCopy Stage = "backup_copy"
	StageCompress   Stage = "compress"
	StageEncrypt    Stage = "encrypt"
	StageUpload     Stage = "upload"
	StageCleanup    Stage = "cleanup"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// RunStatus represents the persisted state of a backup run
type RunStatus string

const (
	StatusInProgress RunStatus = "in_progress"
	StatusSuccess    RunStatus = "success"
	StatusFailed     RunStatus = "failed"  // hard error
	StatusSkipped    RunStatus = "skipped" // lock was held by another invocation
	StatusAborted    RunStatus = "aborted" // interrupted by crash/kill
)

// BackupRun is computed once per invocation and describes everything the orchestrator touches
type BackupRun struct {
	ID              string // uuid, also used to correlate log lines
	Name            string // Backup_<YYYY-MM-DD>
	Kind            Kind
	ExistingBackups int // backup directories present before this run
	Interval        int // configured full backup interval
	NextFullIn      int // runs until the next full backup (0 = the following run)
	StartedAt       time.Time

	MirrorDir     string
	TargetDir     string
	ArchiveFile   string
	EncryptedFile string
	RemotePath    string
}

// IsFull reports whether the run copies against an empty baseline
func (r BackupRun) IsFull() bool { return r.Kind == KindFull }

// RunRecord is the persisted view of a backup run, used for status display
type RunRecord struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Kind          Kind       `json:"kind"`
	Stage         Stage      `json:"stage"`
	Status        RunStatus  `json:"status"`
	Error         string     `json:"error,omitempty"`
	BytesUploaded int64      `json:"bytesUploaded"`
	RemotePath    string     `json:"remotePath,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt"` // nil while running
	UpdatedAt     time.Time  `json:"updatedAt"`
}
