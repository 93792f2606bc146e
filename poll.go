package collab

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// periodic fallback that re-fetches the snapshot to correct for missed or
// lost push events. two independent timers:
//   - owner refresh: while the local role is owner and the transport is
//     connected, surface pending join requests even if the push was dropped
//   - pending check: while waiting for approval, observe approval or denial
//     even if the realtime channel delivered nothing
//
// both feed the controller's snapshot reducer, so observations that race
// with push-triggered refreshes are applied idempotently.
type Reconciler struct {
	ctx    context.Context
	cancel context.CancelFunc

	controller *SessionController
}

func NewReconciler(ctx context.Context, controller *SessionController) *Reconciler {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Reconciler{
		ctx:        cancelCtx,
		cancel:     cancel,
		controller: controller,
	}
}

func (self *Reconciler) Start() {
	go self.runOwnerRefresh()
	go self.runPendingCheck()
}

// cancels both timers. required on unmount and disconnect.
func (self *Reconciler) Stop() {
	self.cancel()
}

func (self *Reconciler) runOwnerRefresh() {
	ticker := time.NewTicker(self.controller.settings.OwnerRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		}

		if self.controller.Status() != MembershipApproved {
			continue
		}
		role, ok := self.controller.Role()
		if !ok || role != RoleOwner {
			continue
		}
		if self.controller.transport.State() != ConnectionConnected {
			continue
		}

		glog.V(2).Infof("[rec]%s owner refresh\n", self.controller.sessionId)
		self.controller.Refresh()
	}
}

func (self *Reconciler) runPendingCheck() {
	ticker := time.NewTicker(self.controller.settings.PendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		}

		if self.controller.Status() != MembershipPending {
			continue
		}

		glog.V(2).Infof("[rec]%s pending check\n", self.controller.sessionId)
		self.controller.Refresh()
	}
}
