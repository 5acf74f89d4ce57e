package conversation

import (
	"fmt"
	"strings"
	"time"
)

// State is the routing state of a conversation.
type State string

const (
	StateNoConversation       State = "no_conversation"
	StateAssignedToAssistant  State = "assigned_to_assistant"
	StateEscalatedPendingTeam State = "escalated_pending_team"
	StateAssignedToAgent      State = "assigned_to_agent"
	StateArchived             State = "archived"
)

// State derives the routing state. An assigned agent owns the conversation
// regardless of the other flags, then a pending team, then the assistant.
func (c Conversation) State() State {
	switch {
	case c.ID == "":
		return StateNoConversation
	case !c.Active || c.ArchivedAt != nil:
		return StateArchived
	case c.AssignedAgentID != "":
		return StateAssignedToAgent
	case c.AssignedTeamID != "":
		return StateEscalatedPendingTeam
	default:
		return StateAssignedToAssistant
	}
}

// Escalate hands an assistant-owned conversation to a team queue.
func (c *Conversation) Escalate(teamID, teamName string, now time.Time) error {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return fmt.Errorf("%w: team id is required", ErrInvalidTransition)
	}
	if st := c.State(); st != StateAssignedToAssistant {
		return fmt.Errorf("%w: cannot escalate from %s", ErrInvalidTransition, st)
	}
	c.AssignedToAssistant = false
	c.AssignedTeamID = teamID
	c.AssignedTeamName = strings.TrimSpace(teamName)
	c.UpdatedAt = now
	return nil
}

// Claim assigns the conversation to a human agent. Claiming a conversation the
// agent already holds is a no-op; one held by someone else fails with
// ErrAlreadyClaimed. It reports whether anything changed.
func (c *Conversation) Claim(agentID string, now time.Time) (bool, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return false, fmt.Errorf("%w: agent id is required", ErrInvalidTransition)
	}
	switch st := c.State(); st {
	case StateAssignedToAgent:
		if c.AssignedAgentID == agentID {
			return false, nil
		}
		return false, ErrAlreadyClaimed
	case StateAssignedToAssistant, StateEscalatedPendingTeam:
	default:
		return false, fmt.Errorf("%w: cannot claim from %s", ErrInvalidTransition, st)
	}
	c.AssignedAgentID = agentID
	c.AssignedToAssistant = false
	c.UpdatedAt = now
	return true, nil
}
