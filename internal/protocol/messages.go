package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants. Chat frames from the
// browser carry no type and are treated as TypeClientChat.
type MessageType string

const (
	TypeClientChat MessageType = "chat"
	TypeClientPing MessageType = "ping"
	TypeSystem     MessageType = "system_event"
	TypeError      MessageType = "error"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrEmptyChat       = errors.New("chat message has no text and no files")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientChat is one user turn. Files are base64-encoded UTF-8 text.
type ClientChat struct {
	Message string   `json:"message"`
	Files   []string `json:"files,omitempty"`
}

type ClientPing struct {
	Type MessageType `json:"type"`
}

// ChatMessage is a replayed or newly produced log entry.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewSystemEvent(code, detail string) SystemEvent {
	return SystemEvent{Type: TypeSystem, Code: code, Detail: detail}
}

func NewErrorEvent(code, detail string, retryable bool) ErrorEvent {
	return ErrorEvent{Type: TypeError, Code: code, Retryable: retryable, Detail: detail}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case "", TypeClientChat:
		var msg ClientChat
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Message) == "" && len(msg.Files) == 0 {
			return nil, ErrEmptyChat
		}
		return msg, nil
	case TypeClientPing:
		return ClientPing{Type: TypeClientPing}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
