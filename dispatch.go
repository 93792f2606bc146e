package collab

import (
	"github.com/golang/glog"
)

// classifies inbound realtime notifications and applies the matching
// state-machine effect. every effect re-reads current status from the
// controller at dispatch time; nothing here captures state.
//
// dispatch is total: a kind this client version does not recognize is
// ignored without failing the connection.
type Dispatcher struct {
	controller *SessionController
}

func NewDispatcher(controller *SessionController) *Dispatcher {
	return &Dispatcher{
		controller: controller,
	}
}

// ReceiveFunction for the private and broadcast notification topics
func (self *Dispatcher) Receive(topic string, body []byte) {
	notification, err := DecodeNotification(body)
	if err != nil {
		// malformed, never fatal
		glog.V(2).Infof("[dsp]bad notification<- = %s\n", err)
		return
	}
	self.Dispatch(notification)
}

func (self *Dispatcher) Dispatch(notification *Notification) {
	if !notification.Known() {
		// forward compatible
		glog.V(2).Infof("[dsp]ignore %s<-\n", notification.Type)
		return
	}

	glog.V(2).Infof("[dsp]<-%s from=%s\n", notification.Type, notification.FromUser)

	switch notification.Type {
	case NotificationJoinRequest:
		self.controller.addJoinRequest(notification)
	case NotificationJoinApproved:
		self.controller.handleJoinApproved(notification)
	case NotificationJoinDenied:
		self.controller.handleJoinDenied(notification)
	case NotificationUserLeft:
		self.controller.handleUserLeft(notification)
	case NotificationSessionDeleted:
		self.controller.handleSessionDeleted(notification)
	}
}
