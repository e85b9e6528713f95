package protocol

import (
	"time"

	"rtchat/chaterr"
	"rtchat/models"
)

// Client to server events.
const (
	EventAuthenticate = "authenticate"
	EventSendMessage  = "send-message"
	EventMarkRead     = "mark-read"
	EventPing         = "ping"
	EventBye          = "bye"
)

// Server to client events.
const (
	EventAuthenticated   = "authenticated"
	EventMessageSent     = "message-sent"
	EventMessageReceived = "message-received"
	EventPresenceChanged = "presence-changed"
	EventReadAck         = "read-ack"
	EventPong            = "pong"
	EventError           = "error"
)

// TimeFormat is used for every timestamp put on the line protocol.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type SendMessagePayload struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

type MarkReadPayload struct {
	MessageID string `json:"messageId"`
}

// Inbound is a decoded client event. Only the payload matching Type is set.
type Inbound struct {
	Type         string
	Authenticate AuthenticatePayload
	SendMessage  SendMessagePayload
	MarkRead     MarkReadPayload
}

// Outbound is any event the server writes to a connection.
type Outbound interface {
	EventType() string
}

type Authenticated struct {
	UserID string `json:"userId"`
}

type MessageSent struct {
	MessageID     string               `json:"messageId"`
	ReceiverID    string               `json:"receiverId"`
	CreatedAt     time.Time            `json:"createdAt"`
	DeliveryState models.DeliveryState `json:"deliveryState"`
}

type MessageReceived struct {
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type PresenceChanged struct {
	SubjectID string    `json:"subjectId"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"lastSeen"`
}

type ReadAck struct {
	MessageID string `json:"messageId"`
}

type Pong struct{}

type Error struct {
	Op      string       `json:"op,omitempty"`
	Kind    chaterr.Kind `json:"kind"`
	Message string       `json:"message"`
}

// Bye precedes a server-side close. Details carries the expected end of a
// maintenance window when there is one.
type Bye struct {
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
}

func (Authenticated) EventType() string   { return EventAuthenticated }
func (MessageSent) EventType() string     { return EventMessageSent }
func (MessageReceived) EventType() string { return EventMessageReceived }
func (PresenceChanged) EventType() string { return EventPresenceChanged }
func (ReadAck) EventType() string         { return EventReadAck }
func (Pong) EventType() string            { return EventPong }
func (Error) EventType() string           { return EventError }
func (Bye) EventType() string             { return EventBye }

// NewError converts err into an error event for op.
func NewError(op string, err error) Error {
	return Error{
		Op:      op,
		Kind:    chaterr.KindOf(err),
		Message: chaterr.PublicMessage(err),
	}
}

// MessageReceivedFrom builds the push sent to a message's receiver.
func MessageReceivedFrom(msg *models.Message) MessageReceived {
	return MessageReceived{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
}
