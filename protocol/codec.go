package protocol

import (
	"encoding/json"
	"fmt"
)

// Codec translates between wire frames and events. A frame is one line on
// the TCP transport and one text message on the WebSocket transport.
type Codec interface {
	Name() string
	Decode(frame []byte) (Inbound, error)
	Encode(ev Outbound) ([]byte, error)
}

// JSONCodec frames events as {"type": ..., "data": {...}}.
type JSONCodec struct{}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outEnvelope struct {
	Type string   `json:"type"`
	Data Outbound `json:"data"`
}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Decode(frame []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	if env.Type == "" {
		return Inbound{}, ErrInvalidPacket
	}

	in := Inbound{Type: env.Type}
	var target any
	switch env.Type {
	case EventAuthenticate:
		target = &in.Authenticate
	case EventSendMessage:
		target = &in.SendMessage
	case EventMarkRead:
		target = &in.MarkRead
	default:
		return in, nil
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, target); err != nil {
			return Inbound{}, fmt.Errorf("%w: %s payload: %v", ErrInvalidPacket, env.Type, err)
		}
	}
	return in, nil
}

func (JSONCodec) Encode(ev Outbound) ([]byte, error) {
	return json.Marshal(outEnvelope{Type: ev.EventType(), Data: ev})
}

// LineCodec speaks the pipe-delimited text protocol used over raw TCP.
type LineCodec struct{}

// Short packet names of the line protocol.
const (
	lineAuth = "auth"
	lineMsg  = "msg"
	lineRead = "read"
	lineOK   = "ok"
	lineFail = "fail"
	lineOn   = "on"
	lineOff  = "off"
)

var lineToEvent = map[string]string{
	lineAuth:  EventAuthenticate,
	lineMsg:   EventSendMessage,
	lineRead:  EventMarkRead,
	EventPing: EventPing,
	EventBye:  EventBye,
}

var eventToLine = map[string]string{
	EventAuthenticate: lineAuth,
	EventSendMessage:  lineMsg,
	EventMarkRead:     lineRead,
}

func (LineCodec) Name() string { return "line" }

func (LineCodec) Decode(frame []byte) (Inbound, error) {
	pkt, err := ParsePacket(string(frame))
	if err != nil {
		return Inbound{}, err
	}

	eventType, ok := lineToEvent[pkt.Type]
	if !ok {
		return Inbound{Type: pkt.Type}, nil
	}

	in := Inbound{Type: eventType}
	switch eventType {
	case EventAuthenticate:
		// auth|<token>
		in.Authenticate.Token = pkt.Content
		if pkt.Destination != "" {
			in.Authenticate.Token = pkt.Destination + "|" + pkt.Content
		}
	case EventSendMessage:
		// msg|<receiverId>|<content>
		in.SendMessage.ReceiverID = pkt.Destination
		in.SendMessage.Content = pkt.Content
		if pkt.Destination == "" {
			in.SendMessage.ReceiverID = pkt.Content
			in.SendMessage.Content = ""
		}
	case EventMarkRead:
		// read|<messageId>
		in.MarkRead.MessageID = pkt.Content
	}
	return in, nil
}

func (LineCodec) Encode(ev Outbound) ([]byte, error) {
	var line string
	switch e := ev.(type) {
	case Authenticated:
		line = FormatFields(lineOK, lineAuth, e.UserID)
	case MessageSent:
		line = FormatFields(lineOK, lineMsg, e.MessageID, e.CreatedAt.UTC().Format(TimeFormat), e.DeliveryState.String())
	case ReadAck:
		line = FormatFields(lineOK, lineRead, e.MessageID)
	case MessageReceived:
		line = FormatFields(lineMsg, e.MessageID, e.SenderID, e.Content, e.CreatedAt.UTC().Format(TimeFormat))
	case PresenceChanged:
		pktType := lineOff
		if e.Online {
			pktType = lineOn
		}
		line = FormatFields(pktType, e.SubjectID, e.LastSeen.UTC().Format(TimeFormat))
	case Error:
		op := e.Op
		if short, ok := eventToLine[op]; ok {
			op = short
		}
		line = FormatFields(lineFail, op, string(e.Kind), e.Message)
	case Pong:
		line = FormatFields(EventPong)
	case Bye:
		if e.Details != "" {
			line = FormatFields(EventBye, e.Reason, e.Details)
		} else if e.Reason != "" {
			line = FormatFields(EventBye, e.Reason)
		} else {
			line = FormatFields(EventBye)
		}
	default:
		return nil, fmt.Errorf("line codec: unsupported event %q", ev.EventType())
	}
	return []byte(line), nil
}
