package domain

const (
	RoleOwner      = "owner"
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleAgent      = "agent"
	RoleViewer     = "viewer"
)

type Agent struct {
	ID       int64
	TenantID int64
	Name     string
	Role     string
	IsActive bool
}

const (
	DistributionManual      = "manual"
	DistributionRoundRobin  = "round_robin"
	DistributionLeastActive = "least_active"
)

// DistributionSettings is the per-tenant auto assignment configuration kept in app_settings.
type DistributionSettings struct {
	ID                  int64
	TenantID            int64
	Mode                string
	ExcludedAgentIDs    []int64
	LastAssignedAgentID *int64
}
