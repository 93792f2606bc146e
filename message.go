package collab

import (
	"encoding/json"
)

// wire frame envelope for the multiplexed realtime connection.
// `messageId` lets receivers drop duplicate deliveries.
type frameOp string

const (
	opSubscribe frameOp = "sub"
	opPublish   frameOp = "pub"
	opMessage   frameOp = "msg"
)

type frame struct {
	Op        frameOp         `json:"op"`
	Topic     string          `json:"topic"`
	MessageId string          `json:"messageId,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// wire values match the collaboration service notification enum
type NotificationType string

const (
	NotificationJoinRequest    NotificationType = "JOIN_REQUEST"
	NotificationJoinApproved   NotificationType = "JOIN_APPROVED"
	NotificationJoinDenied     NotificationType = "JOIN_DENIED"
	NotificationUserLeft       NotificationType = "USER_LEFT"
	NotificationSessionDeleted NotificationType = "SESSION_DELETED"
)

type Notification struct {
	FromUser string           `json:"fromUser"`
	Message  string           `json:"message"`
	Type     NotificationType `json:"type"`
}

// known returns false for kinds this client version does not understand.
// unknown kinds are ignored without failing the connection.
func (self *Notification) Known() bool {
	switch self.Type {
	case NotificationJoinRequest,
		NotificationJoinApproved,
		NotificationJoinDenied,
		NotificationUserLeft,
		NotificationSessionDeleted:
		return true
	default:
		return false
	}
}

func DecodeNotification(body []byte) (*Notification, error) {
	notification := &Notification{}
	if err := json.Unmarshal(body, notification); err != nil {
		return nil, err
	}
	return notification, nil
}

type CodeUpdate struct {
	Content string `json:"content"`
}

func DecodeCodeUpdate(body []byte) (*CodeUpdate, error) {
	codeUpdate := &CodeUpdate{}
	if err := json.Unmarshal(body, codeUpdate); err != nil {
		return nil, err
	}
	return codeUpdate, nil
}

type ExecutionResult struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func DecodeExecutionResult(body []byte) (*ExecutionResult, error) {
	executionResult := &ExecutionResult{}
	if err := json.Unmarshal(body, executionResult); err != nil {
		return nil, err
	}
	return executionResult, nil
}

type ChatType string

const (
	ChatJoin           ChatType = "JOIN"
	ChatMessageType    ChatType = "CHAT"
	ChatLeave          ChatType = "LEAVE"
	ChatSessionDeleted ChatType = "SESSION_DELETED"
)

type ChatMessage struct {
	Sender  string   `json:"sender"`
	Content string   `json:"content"`
	Type    ChatType `json:"type"`
}

func DecodeChatMessage(body []byte) (*ChatMessage, error) {
	chatMessage := &ChatMessage{}
	if err := json.Unmarshal(body, chatMessage); err != nil {
		return nil, err
	}
	return chatMessage, nil
}
