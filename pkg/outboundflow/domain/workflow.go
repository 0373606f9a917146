package domain

import (
	"database/sql"
	"encoding/json"
	"time"
)

const (
	TriggerLeadCreated         = "lead_created"
	TriggerLeadUpdated         = "lead_updated"
	TriggerMsgReceived         = "msg_received"
	TriggerCampaignLinkClicked = "campaign_link_clicked"
)

const (
	WorkflowJobPending   = "pending"
	WorkflowJobCompleted = "completed"
	WorkflowJobFailed    = "failed"
)

const (
	WorkflowLogSuccess = "success"
	WorkflowLogFailed  = "failed"
)

// Workflow is a tenant automation definition. Actions run in list order.
type Workflow struct {
	ID            int64
	TenantID      int64
	Name          string
	IsActive      bool
	TriggerType   string
	TriggerConfig *TriggerConfig
	Actions       []Action
}

// TriggerConfig narrows which events start a workflow. Nil means every event
// of the trigger type.
type TriggerConfig struct {
	ChangedFields []string `json:"changedFields,omitempty"`
	Source        string   `json:"source,omitempty"`
}

// Matches applies the trigger filter to an event.
func (c *TriggerConfig) Matches(ev EventPayload) bool {
	if c == nil {
		return true
	}
	if ev.TriggerType == TriggerLeadUpdated && len(c.ChangedFields) > 0 && len(ev.ChangedFields) > 0 {
		hit := false
		for _, want := range c.ChangedFields {
			for _, got := range ev.ChangedFields {
				if want == got {
					hit = true
				}
			}
		}
		if !hit {
			return false
		}
	}
	if c.Source != "" {
		if src, ok := ev.Meta["source"].(string); ok && src != "" && src != c.Source {
			return false
		}
	}
	return true
}

// EventPayload is the input to the workflow engine. It is stored verbatim on
// suspended WorkflowJobs.
type EventPayload struct {
	TenantID       int64          `json:"tenantId"`
	TriggerType    string         `json:"triggerType"`
	LeadID         *int64         `json:"leadId,omitempty"`
	ConversationID *int64         `json:"conversationId,omitempty"`
	ChangedFields  []string       `json:"changedFields,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// EntityID is the lead id, else the conversation id, else zero.
func (p EventPayload) EntityID() int64 {
	if p.LeadID != nil {
		return *p.LeadID
	}
	if p.ConversationID != nil {
		return *p.ConversationID
	}
	return 0
}

// WorkflowJob is the continuation record written by a wait action.
type WorkflowJob struct {
	ID           int64
	TenantID     int64
	WorkflowID   int64
	EntityID     int64
	ActionIndex  int
	Payload      EventPayload
	Status       string
	ResumeAt     time.Time
	ErrorMessage sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type WorkflowLog struct {
	ID         int64
	TenantID   int64
	WorkflowID int64
	EntityID   int64
	Status     string
	Details    string
	CreatedAt  time.Time
}

func (p EventPayload) Marshal() (string, error) {
	b, err := json.Marshal(p)
	return string(b), err
}
