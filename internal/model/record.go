package model

import "time"

// Record is one tenant-scoped metadata row stored on a partition. Records
// are keyed by (tenant_id, key); writes upsert by key.
type Record struct {
	TenantID  string    `json:"tenant_id"`
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
