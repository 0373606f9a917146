package domain

import "time"

type ApiClient struct {
	ID       int64
	TenantID int64
	Name     string
	KeyHash  string
	Enabled  bool
	Created  time.Time
}
