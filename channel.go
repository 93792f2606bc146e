package collab

import (
	"fmt"

	"github.com/golang/glog"
)

// topic naming is the wire contract with the collaboration service.
// subscriptions use the /queue and /topic prefixes; publishes go to the
// /app application destinations.

const notificationsTopic = "/queue/notifications"

func sessionTopic(sessionId string) string {
	return fmt.Sprintf("/topic/session/%s", sessionId)
}

func codeTopic(sessionId string) string {
	return fmt.Sprintf("/topic/code/%s", sessionId)
}

func codeDestination(sessionId string) string {
	return fmt.Sprintf("/app/code/%s", sessionId)
}

func outputTopic(sessionId string) string {
	return fmt.Sprintf("/topic/output/%s", sessionId)
}

func chatTopic(sessionId string) string {
	return fmt.Sprintf("/topic/chat/%s", sessionId)
}

func chatDestination(sessionId string) string {
	return fmt.Sprintf("/app/chat/%s", sessionId)
}

// full-content replace broadcasts. last write wins locally and the channel
// makes no convergence guarantee under concurrent edits. this is a known
// consistency limitation of the system, not something to merge around.
type CodeChannel struct {
	transport *RealtimeTransport
	sessionId string
}

func NewCodeChannel(transport *RealtimeTransport, sessionId string) *CodeChannel {
	return &CodeChannel{
		transport: transport,
		sessionId: sessionId,
	}
}

func (self *CodeChannel) Subscribe(callback func(content string)) func() {
	return self.transport.Subscribe(codeTopic(self.sessionId), func(topic string, body []byte) {
		codeUpdate, err := DecodeCodeUpdate(body)
		if err != nil {
			glog.V(2).Infof("[code]bad update<- = %s\n", err)
			return
		}
		callback(codeUpdate.Content)
	})
}

func (self *CodeChannel) Publish(content string) {
	self.transport.Publish(codeDestination(self.sessionId), &CodeUpdate{
		Content: content,
	})
}

type ChatChannel struct {
	transport *RealtimeTransport
	sessionId string
}

func NewChatChannel(transport *RealtimeTransport, sessionId string) *ChatChannel {
	return &ChatChannel{
		transport: transport,
		sessionId: sessionId,
	}
}

func (self *ChatChannel) Subscribe(callback func(message *ChatMessage)) func() {
	return self.transport.Subscribe(chatTopic(self.sessionId), func(topic string, body []byte) {
		chatMessage, err := DecodeChatMessage(body)
		if err != nil {
			glog.V(2).Infof("[chat]bad message<- = %s\n", err)
			return
		}
		callback(chatMessage)
	})
}

func (self *ChatChannel) Send(message *ChatMessage) {
	self.transport.Publish(chatDestination(self.sessionId), message)
}

// execution results arrive here, not in the execute response body
type OutputChannel struct {
	transport *RealtimeTransport
	sessionId string
}

func NewOutputChannel(transport *RealtimeTransport, sessionId string) *OutputChannel {
	return &OutputChannel{
		transport: transport,
		sessionId: sessionId,
	}
}

func (self *OutputChannel) Subscribe(callback func(result *ExecutionResult)) func() {
	return self.transport.Subscribe(outputTopic(self.sessionId), func(topic string, body []byte) {
		executionResult, err := DecodeExecutionResult(body)
		if err != nil {
			glog.V(2).Infof("[output]bad result<- = %s\n", err)
			return
		}
		callback(executionResult)
	})
}
