package model

import "time"

// ArtifactStatus represents the lifecycle status of a backup artifact
type ArtifactStatus string

const (
	// ArtifactStatusInProgress indicates snapshot/upload is underway
	ArtifactStatusInProgress ArtifactStatus = "in_progress"
	// ArtifactStatusComplete indicates every partition upload was acknowledged
	ArtifactStatusComplete ArtifactStatus = "complete"
	// ArtifactStatusFailed indicates the artifact was abandoned
	ArtifactStatusFailed ArtifactStatus = "failed"
	// ArtifactStatusVerified indicates a restore-test reproduced the checksum
	ArtifactStatusVerified ArtifactStatus = "verified"
)

// ArtifactObject is one uploaded blob of a backup artifact, one per partition
type ArtifactObject struct {
	PartitionID string `json:"partition_id"`
	StorageKey  string `json:"storage_key"`
	SizeBytes   int64  `json:"size_bytes"`
	Checksum    string `json:"checksum"` // hex SHA-256 of the stored bytes
}

// BackupArtifact represents one point-in-time backup across a partition set
type BackupArtifact struct {
	ArtifactID   string
	ScheduleID   string
	PartitionIDs []string
	Objects      []ArtifactObject
	CreatedAt    time.Time
	SizeBytes    int64
	Checksum     string // hex SHA-256 over per-object checksums in partition order
	StorageKey   string // key prefix under which objects were uploaded
	Status       ArtifactStatus
	ErrorMessage string
}

// ObjectFor returns the artifact object for the given partition, if present
func (a *BackupArtifact) ObjectFor(partitionID string) (ArtifactObject, bool) {
	for _, obj := range a.Objects {
		if obj.PartitionID == partitionID {
			return obj, true
		}
	}
	return ArtifactObject{}, false
}

// Restorable reports whether the artifact may be used as a restore source
func (a *BackupArtifact) Restorable() bool {
	return a.Status == ArtifactStatusComplete || a.Status == ArtifactStatusVerified
}

// RestoreStatus represents the lifecycle status of a restore job
type RestoreStatus string

const (
	// RestoreStatusPending indicates the job was created but not started
	RestoreStatusPending RestoreStatus = "pending"
	// RestoreStatusRestoring indicates download/apply is underway
	RestoreStatusRestoring RestoreStatus = "restoring"
	// RestoreStatusVerifying indicates the applied data is being checked
	RestoreStatusVerifying RestoreStatus = "verifying"
	// RestoreStatusDone indicates the restore completed and was swapped in
	RestoreStatusDone RestoreStatus = "done"
	// RestoreStatusFailed indicates the job failed after exhausting retries
	RestoreStatusFailed RestoreStatus = "failed"
)

// InFlight reports whether the job still references its artifact
func (s RestoreStatus) InFlight() bool {
	return s == RestoreStatusPending || s == RestoreStatusRestoring || s == RestoreStatusVerifying
}

// RestoreJob represents one restore request against a target partition
type RestoreJob struct {
	JobID           string
	ArtifactID      string
	TargetPartition string
	Status          RestoreStatus
	AttemptCount    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ErrorMessage    string
}

// RetentionPolicy bounds how long and how many artifacts are retained.
// Age is computed from artifact creation time in UTC.
type RetentionPolicy struct {
	MaxAge   time.Duration
	MaxCount int // keep at most this many complete artifacts per schedule, 0 = unlimited
}
