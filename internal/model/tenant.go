package model

import "time"

// Tenant represents an isolated customer organization
type Tenant struct {
	TenantID  string
	Team      string
	CreatedAt time.Time
}
