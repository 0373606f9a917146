package domain

import "database/sql"

type Lead struct {
	ID              int64
	TenantID        int64
	Name            string
	Phone           sql.NullString
	Email           sql.NullString
	AssignedToID    sql.NullInt64
	PipelineStageID sql.NullInt64
}

type Template struct {
	ID       int64
	TenantID int64
	Name     string
	Content  string
}
