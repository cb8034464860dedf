package chat

import (
	"bytes"
	"encoding/json"

	"FitProject/module/chat/model"
	"FitProject/tools/errs"
)

// Event names on the wire. Outbound (client -> gateway) and inbound
// (gateway -> client) share one flat namespace.
const (
	// client -> server
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTyping            = "typing"
	EventStopTyping        = "stop_typing"
	EventMarkRead          = "mark_read"

	// server -> client
	EventNewMessage         = "new_message"
	EventMessagesRead       = "messages_read"
	EventUserTyping         = "user_typing"
	EventUserStopTyping     = "user_stop_typing"
	EventJoinedConversation = "joined_conversation"

	// transport lifecycle（由 ConnManager 本地合成，不走网络）
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	EventError        = "error"
)

// Frame 通道上的统一帧格式：{"event": "...", "data": ...}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessageBody body for send_message.
type SendMessageBody struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Role           string `json:"role"`
}

// MarkReadBody body for mark_read.
type MarkReadBody struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	Role           string   `json:"role"`
}

// ReadReceiptBody body for messages_read.
type ReadReceiptBody struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	ReadBy         string   `json:"readBy"`
}

// TypingBody body for typing / stop_typing (outbound).
type TypingBody struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// JoinedAck body for joined_conversation.
type JoinedAck struct {
	ConversationID string `json:"conversationId"`
	TS             int64  `json:"ts"`
}

// ConnErrorBody 本地合成的 connect_error / error 负载。
type ConnErrorBody struct {
	Message string `json:"message"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errs.ErrBadFrame.WrapMsg("unmarshal", "err", err)
	}
	if f.Event == "" {
		return nil, errs.ErrBadFrame.WrapMsg("missing event name")
	}
	return f, nil
}

func EncodeFrame(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errs.ErrBadFrame.WrapMsg("marshal payload", "event", event, "err", err)
		}
		data = b
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// DecodeMessages new_message 的 data 可能是单个对象也可能是数组，两种都接。
func DecodeMessages(raw json.RawMessage) ([]model.Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errs.ErrBadFrame.WrapMsg("empty new_message payload")
	}
	if trimmed[0] == '[' {
		var many []model.Message
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, errs.ErrBadFrame.WrapMsg("unmarshal message batch", "err", err)
		}
		return many, nil
	}
	var one model.Message
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, errs.ErrBadFrame.WrapMsg("unmarshal message", "err", err)
	}
	return []model.Message{one}, nil
}
