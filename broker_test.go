package collab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// minimal in-test topic broker over websocket. implements the frame
// envelope the transport speaks: `sub` registers a topic, `pub` to an
// /app destination is rebroadcast as a `msg` on the matching /topic
// topic to every subscriber, and tests can inject server pushes.
type testBroker struct {
	t *testing.T

	server   *httptest.Server
	upgrader websocket.Upgrader

	mutex            sync.Mutex
	conns            map[*brokerConn]bool
	totalConnections int
	totalSubscribes  map[string]int
	published        []*frame
}

type brokerConn struct {
	ws         *websocket.Conn
	writeMutex sync.Mutex
	topics     map[string]bool
}

func newTestBroker(t *testing.T) *testBroker {
	broker := &testBroker{
		t:               t,
		conns:           map[*brokerConn]bool{},
		totalSubscribes: map[string]int{},
	}
	broker.server = httptest.NewServer(http.HandlerFunc(broker.handle))
	return broker
}

func (self *testBroker) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testBroker) close() {
	self.server.Close()
}

func (self *testBroker) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := &brokerConn{
		ws:     ws,
		topics: map[string]bool{},
	}
	self.mutex.Lock()
	self.conns[conn] = true
	self.totalConnections += 1
	self.mutex.Unlock()

	defer func() {
		self.mutex.Lock()
		delete(self.conns, conn)
		self.mutex.Unlock()
		ws.Close()
	}()

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}

		switch f.Op {
		case opSubscribe:
			self.mutex.Lock()
			conn.topics[f.Topic] = true
			self.totalSubscribes[f.Topic] += 1
			self.mutex.Unlock()
		case opPublish:
			self.mutex.Lock()
			self.published = append(self.published, &f)
			self.mutex.Unlock()
			self.broadcast(appToTopic(f.Topic), f.MessageId, f.Body)
		}
	}
}

// /app destinations broadcast on the corresponding /topic topic
func appToTopic(destination string) string {
	if rest, ok := strings.CutPrefix(destination, "/app/"); ok {
		return "/topic/" + rest
	}
	return destination
}

func (self *testBroker) broadcast(topic string, messageId string, body json.RawMessage) {
	f := &frame{
		Op:        opMessage,
		Topic:     topic,
		MessageId: messageId,
		Body:      body,
	}

	self.mutex.Lock()
	conns := []*brokerConn{}
	for conn := range self.conns {
		if conn.topics[topic] {
			conns = append(conns, conn)
		}
	}
	self.mutex.Unlock()

	for _, conn := range conns {
		conn.writeMutex.Lock()
		conn.ws.WriteJSON(f)
		conn.writeMutex.Unlock()
	}
}

// inject a server push with a fresh message id
func (self *testBroker) send(topic string, payload any) {
	self.sendWithMessageId(topic, uuid.NewString(), payload)
}

func (self *testBroker) sendWithMessageId(topic string, messageId string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		self.t.Fatal(err)
	}
	self.broadcast(topic, messageId, body)
}

func (self *testBroker) connectionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.totalConnections
}

func (self *testBroker) activeConnectionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.conns)
}

func (self *testBroker) subscribeCount(topic string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.totalSubscribes[topic]
}

func (self *testBroker) publishedTo(destination string) []*frame {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	frames := []*frame{}
	for _, f := range self.published {
		if f.Topic == destination {
			frames = append(frames, f)
		}
	}
	return frames
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
