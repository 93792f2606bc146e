package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

const defaultSendBufferSize = 32

// how many recently seen message ids are remembered for duplicate drops
const recentMessageIdWindow = 256

// a dropped connection is terminal for the owning session view unless
// `ReconnectAlways` is set. the source system never reconnects, so the
// default is off.
type ReconnectMode int

const (
	ReconnectNone ReconnectMode = iota
	ReconnectAlways
)

type RealtimeTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
	ReconnectMode      ReconnectMode
}

func DefaultRealtimeTransportSettings() *RealtimeTransportSettings {
	return &RealtimeTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     defaultSendBufferSize,
		ReconnectMode:      ReconnectNone,
	}
}

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
}

// (topic, raw message body)
type ReceiveFunction func(topic string, body []byte)

type ConnectionStateFunction func(state ConnectionState)

// one multiplexed connection per session, established lazily after approval.
// subscribe and publish are multiplexed over named topics with a json frame
// envelope. exactly one writer context mutates local consumers, so receive
// callbacks are dispatched sequentially from the read pump.
type RealtimeTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl string
	auth  *ClientAuth

	settings *RealtimeTransportSettings

	mutex         sync.Mutex
	state         ConnectionState
	send          chan *frame
	nextCallback  int
	subscriptions map[string]map[int]ReceiveFunction

	recentMessageIds     map[string]bool
	recentMessageIdOrder []string

	stateCallbacks CallbackList[ConnectionStateFunction]
}

func NewRealtimeTransportWithDefaults(
	ctx context.Context,
	wsUrl string,
	auth *ClientAuth,
) *RealtimeTransport {
	return NewRealtimeTransport(ctx, wsUrl, auth, DefaultRealtimeTransportSettings())
}

func NewRealtimeTransport(
	ctx context.Context,
	wsUrl string,
	auth *ClientAuth,
	settings *RealtimeTransportSettings,
) *RealtimeTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RealtimeTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		wsUrl:            wsUrl,
		auth:             auth,
		settings:         settings,
		state:            ConnectionDisconnected,
		subscriptions:    map[string]map[int]ReceiveFunction{},
		recentMessageIds: map[string]bool{},
	}
}

func (self *RealtimeTransport) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *RealtimeTransport) AddConnectionStateCallback(callback ConnectionStateFunction) func() {
	return self.stateCallbacks.add(callback)
}

// idempotent. a connect attempt while one is active is a no-op.
// on success the current subscription set is issued before any
// publish is written.
func (self *RealtimeTransport) Connect() error {
	self.mutex.Lock()
	if self.state != ConnectionDisconnected {
		self.mutex.Unlock()
		return nil
	}
	self.state = ConnectionConnecting
	self.mutex.Unlock()
	self.announceState(ConnectionConnecting)

	ws, err := self.dial()
	if err != nil {
		glog.Infof("[rt]connect error = %s\n", err)
		self.setState(ConnectionDisconnected)
		return err
	}

	go self.run(ws)
	return nil
}

// scoped teardown. safe to call on every exit path, any number of times.
func (self *RealtimeTransport) Disconnect() {
	self.cancel()
}

// subscriptions may be registered before connect. the topic subscription
// frame is issued once per topic per connection, no matter how many
// callbacks are attached. returns an unsubscribe function for the callback.
func (self *RealtimeTransport) Subscribe(topic string, callback ReceiveFunction) func() {
	self.mutex.Lock()
	callbacks, ok := self.subscriptions[topic]
	if !ok {
		callbacks = map[int]ReceiveFunction{}
		self.subscriptions[topic] = callbacks
	}
	callbackId := self.nextCallback
	self.nextCallback += 1
	callbacks[callbackId] = callback
	newTopic := !ok
	send := self.send
	connected := self.state == ConnectionConnected
	self.mutex.Unlock()

	if newTopic && connected && send != nil {
		select {
		case send <- &frame{Op: opSubscribe, Topic: topic}:
		default:
			glog.Infof("[rt]drop subscribe %s (backpressure)\n", topic)
		}
	}

	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if callbacks, ok := self.subscriptions[topic]; ok {
			delete(callbacks, callbackId)
		}
	}
}

// best effort. fails silently (logged, not surfaced) unless connected.
func (self *RealtimeTransport) Publish(topic string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		glog.Infof("[rt]drop publish %s = %s\n", topic, err)
		return
	}

	self.mutex.Lock()
	send := self.send
	connected := self.state == ConnectionConnected
	self.mutex.Unlock()

	if !connected || send == nil {
		glog.Infof("[rt]drop publish %s (not connected)\n", topic)
		return
	}

	message := &frame{
		Op:        opPublish,
		Topic:     topic,
		MessageId: uuid.NewString(),
		Body:      body,
	}
	select {
	case send <- message:
	default:
		glog.Infof("[rt]drop publish %s (backpressure)\n", topic)
	}
}

func (self *RealtimeTransport) dial() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+self.auth.ByJwt)
	header.Add("X-Instance-Id", self.auth.InstanceId.String())
	ws, _, err := dialer.DialContext(self.ctx, self.wsUrl, header)
	return ws, err
}

func (self *RealtimeTransport) run(ws *websocket.Conn) {
	for {
		self.runConn(ws)

		if self.settings.ReconnectMode != ReconnectAlways {
			self.setState(ConnectionDisconnected)
			return
		}

		self.setState(ConnectionConnecting)
		for {
			reconnect := NewReconnect(self.settings.ReconnectTimeout)
			select {
			case <-self.ctx.Done():
				self.setState(ConnectionDisconnected)
				return
			case <-reconnect.After():
			}

			var err error
			ws, err = self.dial()
			if err == nil {
				break
			}
			glog.Infof("[rt]reconnect error = %s\n", err)
		}
	}
}

func (self *RealtimeTransport) runConn(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// unblock a pending read on teardown so the connection is
	// released on every exit path
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	// issue the subscription set before anything else is written
	self.mutex.Lock()
	topics := maps.Keys(self.subscriptions)
	self.mutex.Unlock()
	for _, topic := range topics {
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := ws.WriteJSON(&frame{Op: opSubscribe, Topic: topic}); err != nil {
			glog.Infof("[rt]subscribe error = %s\n", err)
			return
		}
	}

	send := make(chan *frame, self.settings.SendBufferSize)
	self.mutex.Lock()
	self.send = send
	self.mutex.Unlock()
	self.setState(ConnectionConnected)

	defer func() {
		self.mutex.Lock()
		if self.send == send {
			self.send = nil
		}
		self.mutex.Unlock()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}

				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteJSON(message); err != nil {
					// a write deadline timeout cannot be recovered for websocket
					glog.Infof("[rt]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[rt]->%s\n", message.Topic)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[rt]<- error = %s\n", err)
				return
			}

			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				if len(message) == 0 {
					// keepalive
					glog.V(2).Infof("[rt]ping<-\n")
					continue
				}
				self.receive(message)
			default:
				glog.V(2).Infof("[rt]other=%d<-\n", messageType)
			}
		}
	}()
}

func (self *RealtimeTransport) receive(message []byte) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		// malformed message, never fatal
		glog.V(2).Infof("[rt]bad frame<- = %s\n", err)
		return
	}
	if f.Op != opMessage {
		glog.V(2).Infof("[rt]ignore op=%s<-\n", f.Op)
		return
	}

	self.mutex.Lock()
	if f.MessageId != "" {
		if self.recentMessageIds[f.MessageId] {
			self.mutex.Unlock()
			glog.V(2).Infof("[rt]duplicate %s<-\n", f.MessageId)
			return
		}
		self.recentMessageIds[f.MessageId] = true
		self.recentMessageIdOrder = append(self.recentMessageIdOrder, f.MessageId)
		if recentMessageIdWindow < len(self.recentMessageIdOrder) {
			evict := self.recentMessageIdOrder[0]
			self.recentMessageIdOrder = self.recentMessageIdOrder[1:]
			delete(self.recentMessageIds, evict)
		}
	}
	callbacks := []ReceiveFunction{}
	for _, callback := range self.subscriptions[f.Topic] {
		callbacks = append(callbacks, callback)
	}
	self.mutex.Unlock()

	for _, callback := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[rt]receive callback panic = %v\n", r)
				}
			}()
			callback(f.Topic, f.Body)
		}()
	}
}

func (self *RealtimeTransport) setState(state ConnectionState) {
	self.mutex.Lock()
	if self.state == state {
		self.mutex.Unlock()
		return
	}
	self.state = state
	self.mutex.Unlock()
	self.announceState(state)
}

func (self *RealtimeTransport) announceState(state ConnectionState) {
	for _, callback := range self.stateCallbacks.get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[rt]state callback panic = %v\n", r)
				}
			}()
			callback(state)
		}()
	}
}
