package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	ActionAssignAgent      = "assign_agent"
	ActionAddTag           = "add_tag"
	ActionRemoveTag        = "remove_tag"
	ActionSendTemplate     = "send_template"
	ActionUpdateStage      = "update_stage"
	ActionSendInternalNote = "send_internal_note"
	ActionWait             = "wait"
)

// RoundRobinAgent is the AgentID marker for least-loaded assignment.
const RoundRobinAgent = "round_robin"

// Action is one step of a workflow. Only the fields relevant to Type are set.
type Action struct {
	Type       string `json:"type"`
	AgentID    string `json:"-"`
	TagID      int64  `json:"tagId,omitempty"`
	TemplateID int64  `json:"templateId,omitempty"`
	StageID    int64  `json:"stageId,omitempty"`
	Content    string `json:"content,omitempty"`
	Seconds    int    `json:"seconds,omitempty"`
}

// RoundRobin reports whether an assign_agent action uses the round robin marker.
func (a Action) RoundRobin() bool { return a.AgentID == RoundRobinAgent }

// FixedAgentID parses the agent id of an assign_agent action.
func (a Action) FixedAgentID() (int64, error) {
	id, err := strconv.ParseInt(a.AgentID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid agentId %q", a.AgentID)
	}
	return id, nil
}

type actionAlias Action

type actionJSON struct {
	actionAlias
	AgentID json.RawMessage `json:"agentId,omitempty"`
}

// UnmarshalJSON accepts agentId as either a number or the "round_robin" marker.
func (a *Action) UnmarshalJSON(b []byte) error {
	var aux actionJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*a = Action(aux.actionAlias)
	if len(aux.AgentID) == 0 || string(aux.AgentID) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.AgentID, &s); err == nil {
		a.AgentID = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(aux.AgentID, &n); err != nil {
		return fmt.Errorf("agentId: %w", err)
	}
	a.AgentID = n.String()
	return nil
}

func (a Action) MarshalJSON() ([]byte, error) {
	aux := actionJSON{actionAlias: actionAlias(a)}
	if a.AgentID != "" {
		if _, err := a.FixedAgentID(); err == nil {
			aux.AgentID = json.RawMessage(a.AgentID)
		} else {
			aux.AgentID, _ = json.Marshal(a.AgentID)
		}
	}
	return json.Marshal(aux)
}
