package presence

import "time"

// EventName is the name operator clients dispatch on.
type EventName string

const (
	EventNewConversationAdded      EventName = "NewConversationAdded"
	EventRemoveNewConversation     EventName = "RemoveNewConversation"
	EventAssignConversation        EventName = "AssignConversation"
	EventSendMessageToAssignedUser EventName = "SendMessageToAssignedUser"
	EventMessageStatusUpdated      EventName = "MessageStatusUpdated"
	EventAddTeamMember             EventName = "AddTeamMember"
	EventRemoveTeamMember          EventName = "RemoveTeamMember"
)

// Event is one notification frame. ConversationID keys the ordering lane;
// events without one are ordered per target instead.
type Event struct {
	Name           EventName `json:"event"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Data           any       `json:"data"`
	At             time.Time `json:"at"`
}

// NewEvent stamps an event with the current time.
func NewEvent(name EventName, conversationID string, data any) Event {
	return Event{Name: name, ConversationID: conversationID, Data: data, At: time.Now().UTC()}
}

// StatusUpdate is the payload of MessageStatusUpdated.
type StatusUpdate struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}
