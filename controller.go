package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type StatusFunction func(status MembershipStatus)
type SnapshotFunction func(snapshot *SessionSnapshot)
type CodeFunction func(content string)
type ChatFunction func(message *ChatMessage)
type OutputFunction func(output string)
type JoinRequestsFunction func(requests []*Notification)

// a transient user-visible notice for a recoverable event
type NoticeFunction func(notice string)

// terminal for the session view. the owner of the controller should
// navigate away when this fires.
type ExitFunction func(reason string)

type ControllerSettings struct {
	// snapshot refresh while the local role is owner and the transport
	// is connected, to surface join requests even when a push was dropped
	OwnerRefreshInterval time.Duration
	// snapshot refresh while waiting for approval, to make progress even
	// when the realtime channel delivered nothing
	PendingCheckInterval time.Duration
}

func DefaultControllerSettings() *ControllerSettings {
	return &ControllerSettings{
		OwnerRefreshInterval: 3 * time.Second,
		PendingCheckInterval: 5 * time.Second,
	}
}

// the top-level controller for one session view. owns the membership
// status, the cached snapshot, the join-request list, and the local code,
// chat and output buffers. drives the api client, the realtime transport
// and the reconciler; everything external observes it through callbacks.
//
// membership observations from any source (initial fetch, push-triggered
// refresh, reconciliation poll) all land in `applySnapshot`, which applies
// the transition table idempotently so redundant observations are no-ops.
type SessionController struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId string
	identity  *Identity

	api       *CollabApi
	transport *RealtimeTransport

	dispatcher *Dispatcher
	reconciler *Reconciler

	codeChannel   *CodeChannel
	chatChannel   *ChatChannel
	outputChannel *OutputChannel

	settings *ControllerSettings

	mutex           sync.Mutex
	status          MembershipStatus
	snapshot        *SessionSnapshot
	joinRequests    []*Notification
	code            string
	codeSeeded      bool
	chatLog         []*ChatMessage
	output          string
	executing       bool
	requestInFlight bool
	joinAnnounced   bool
	exited          bool

	statusCallbacks       CallbackList[StatusFunction]
	snapshotCallbacks     CallbackList[SnapshotFunction]
	codeCallbacks         CallbackList[CodeFunction]
	chatCallbacks         CallbackList[ChatFunction]
	outputCallbacks       CallbackList[OutputFunction]
	joinRequestsCallbacks CallbackList[JoinRequestsFunction]
	noticeCallbacks       CallbackList[NoticeFunction]
	exitCallbacks         CallbackList[ExitFunction]
}

func NewSessionControllerWithDefaults(
	ctx context.Context,
	sessionId string,
	byJwt string,
	api *CollabApi,
	transport *RealtimeTransport,
) (*SessionController, error) {
	return NewSessionController(ctx, sessionId, byJwt, api, transport, DefaultControllerSettings())
}

func NewSessionController(
	ctx context.Context,
	sessionId string,
	byJwt string,
	api *CollabApi,
	transport *RealtimeTransport,
	settings *ControllerSettings,
) (*SessionController, error) {
	identity, err := ParseIdentityUnverified(byJwt)
	if err != nil {
		return nil, err
	}
	if identity.Expired(time.Now()) {
		return nil, fmt.Errorf("credential expired at %s", identity.ExpiresAt)
	}

	api.SetJwt(byJwt)
	api.SetIdentity(identity)

	cancelCtx, cancel := context.WithCancel(ctx)
	controller := &SessionController{
		ctx:       cancelCtx,
		cancel:    cancel,
		sessionId: sessionId,
		identity:  identity,
		api:       api,
		transport: transport,
		settings:  settings,
		status:    MembershipChecking,
	}

	controller.dispatcher = NewDispatcher(controller)
	controller.reconciler = NewReconciler(cancelCtx, controller)

	controller.codeChannel = NewCodeChannel(transport, sessionId)
	controller.chatChannel = NewChatChannel(transport, sessionId)
	controller.outputChannel = NewOutputChannel(transport, sessionId)

	// the subscription set is registered up front; no traffic flows on any
	// of these topics until approval opens the connection
	transport.Subscribe(notificationsTopic, controller.dispatcher.Receive)
	transport.Subscribe(sessionTopic(sessionId), controller.dispatcher.Receive)
	controller.codeChannel.Subscribe(controller.handleCodeUpdate)
	controller.chatChannel.Subscribe(controller.handleChatMessage)
	controller.outputChannel.Subscribe(controller.handleExecutionResult)

	transport.AddConnectionStateCallback(func(state ConnectionState) {
		if state == ConnectionConnected {
			controller.handleConnected()
		}
	})

	return controller, nil
}

// fetches the initial snapshot and applies the first transition.
// a fetch failure here is fatal to the flow: the error is returned, the
// exit callbacks fire, and there is no automatic retry.
func (self *SessionController) Start() error {
	if self.identity.Expired(time.Now()) {
		err := fmt.Errorf("credential expired at %s", self.identity.ExpiresAt)
		self.exit(err.Error())
		return err
	}

	snapshot, err := self.api.GetSessionSync(self.sessionId)
	if err != nil {
		self.exit(fmt.Sprintf("session unavailable: %s", err))
		return err
	}

	self.applySnapshot(snapshot)
	self.reconciler.Start()
	return nil
}

// the single authoritative reducer for membership observations.
// snapshots are of-the-moment: status is re-read here rather than trusted
// from whatever context triggered the fetch.
func (self *SessionController) applySnapshot(snapshot *SessionSnapshot) {
	self.mutex.Lock()
	if self.exited {
		self.mutex.Unlock()
		return
	}

	self.snapshot = snapshot
	if !self.codeSeeded {
		self.code = snapshot.CodeContent
		self.codeSeeded = true
	}

	// requests acted on elsewhere are superseded by the refresh
	nextRequests := []*Notification{}
	for _, request := range self.joinRequests {
		if snapshot.IsPending(request.FromUser) {
			nextRequests = append(nextRequests, request)
		}
	}
	requestsChanged := len(nextRequests) != len(self.joinRequests)
	self.joinRequests = nextRequests

	prevStatus := self.status
	_, participant := snapshot.RoleOf(self.identity.UserId)
	autoRequest := false
	pendingLost := false
	switch {
	case participant:
		// approval is sticky once observed, from any prior status
		self.status = MembershipApproved
	case self.status == MembershipApproved:
		// absent from a later snapshot must not regress an observed approval
	case self.status == MembershipChecking:
		if snapshot.IsPrivate {
			self.status = MembershipRequiresRequest
		} else {
			autoRequest = true
		}
	case self.status == MembershipPending:
		if !snapshot.IsPending(self.identity.UserId) {
			self.status = MembershipRequiresRequest
			pendingLost = true
		}
	}
	status := self.status
	requests := slices.Clone(self.joinRequests)
	self.mutex.Unlock()

	glog.V(2).Infof("[ctl]%s snapshot status=%s->%s\n", self.sessionId, prevStatus, status)

	self.announceSnapshot(snapshot)
	if requestsChanged {
		self.announceJoinRequests(requests)
	}
	if status != prevStatus {
		self.announceStatus(status)
	}
	if pendingLost {
		self.notice("Your join request is no longer pending. Please request again if needed.")
	}
	if status == MembershipApproved {
		self.connectIfNeeded()
	}
	if autoRequest {
		self.RequestToJoin()
	}
}

// user-initiated (or automatic, for public sessions) request to join.
// at most one request is in flight per identity; re-entering while already
// pending does not resubmit.
func (self *SessionController) RequestToJoin() {
	self.mutex.Lock()
	if self.exited ||
		self.requestInFlight ||
		self.status == MembershipPending ||
		self.status == MembershipApproved {
		self.mutex.Unlock()
		return
	}
	self.requestInFlight = true
	self.status = MembershipPending
	self.mutex.Unlock()
	self.announceStatus(MembershipPending)

	_, err := self.api.RequestJoinSync(self.sessionId)

	self.mutex.Lock()
	self.requestInFlight = false
	reverted := false
	if err != nil && self.status == MembershipPending {
		self.status = MembershipRequiresRequest
		reverted = true
	}
	self.mutex.Unlock()

	if err != nil {
		self.notice(fmt.Sprintf("Failed to send join request: %s", err))
		if reverted {
			self.announceStatus(MembershipRequiresRequest)
		}
		return
	}

	self.Refresh()
}

// refreshes the snapshot asynchronously. results arriving after exit are
// discarded by the reducer.
func (self *SessionController) Refresh() {
	self.api.GetSession(self.sessionId, NewApiCallback(func(result *SessionSnapshot, err error) {
		if err != nil {
			glog.Infof("[ctl]%s refresh error = %s\n", self.sessionId, err)
			return
		}
		self.applySnapshot(result)
	}))
}

func (self *SessionController) connectIfNeeded() {
	if err := self.transport.Connect(); err != nil {
		// the transition that depended on the connection does not occur.
		// no automatic retry unless the transport is set to reconnect.
		glog.Infof("[ctl]%s connect error = %s\n", self.sessionId, err)
	}
}

// fires on every transition to connected, after the subscription set has
// been issued. publishes the joined chat notification once.
func (self *SessionController) handleConnected() {
	self.mutex.Lock()
	if self.exited || self.joinAnnounced {
		self.mutex.Unlock()
		return
	}
	self.joinAnnounced = true
	self.mutex.Unlock()

	self.chatChannel.Send(&ChatMessage{
		Sender:  self.identity.UserId,
		Content: "has joined!",
		Type:    ChatJoin,
	})
}

// dispatcher effect: JOIN_REQUEST
func (self *SessionController) addJoinRequest(notification *Notification) {
	self.mutex.Lock()
	if self.exited {
		self.mutex.Unlock()
		return
	}
	exists := slices.ContainsFunc(self.joinRequests, func(request *Notification) bool {
		return request.FromUser == notification.FromUser
	})
	if !exists {
		self.joinRequests = append(self.joinRequests, notification)
	}
	requests := slices.Clone(self.joinRequests)
	self.mutex.Unlock()

	if !exists {
		self.announceJoinRequests(requests)
	}
	self.Refresh()
}

// dispatcher effect: JOIN_APPROVED. the refreshed snapshot drives the
// transition to approved and the connect side effect.
func (self *SessionController) handleJoinApproved(notification *Notification) {
	self.notice(notification.Message)
	self.Refresh()
}

// dispatcher effect: JOIN_DENIED
func (self *SessionController) handleJoinDenied(notification *Notification) {
	self.notice(notification.Message)

	self.mutex.Lock()
	changed := false
	if !self.exited && self.status != MembershipApproved && self.status != MembershipRequiresRequest {
		self.status = MembershipRequiresRequest
		changed = true
	}
	self.mutex.Unlock()

	if changed {
		self.announceStatus(MembershipRequiresRequest)
	}
	self.Refresh()
}

// dispatcher effect: USER_LEFT
func (self *SessionController) handleUserLeft(notification *Notification) {
	self.notice(fmt.Sprintf("%s %s", notification.FromUser, notification.Message))
	self.Refresh()
}

// dispatcher effect: SESSION_DELETED. terminal for the view. the private
// and broadcast topics can both deliver this; teardown happens once.
func (self *SessionController) handleSessionDeleted(notification *Notification) {
	message := notification.Message
	if message == "" {
		message = "The session has been deleted by the owner."
	}
	self.exit(message)
}

func (self *SessionController) handleCodeUpdate(content string) {
	self.mutex.Lock()
	if self.exited {
		self.mutex.Unlock()
		return
	}
	// last write wins, no merge
	self.code = content
	self.codeSeeded = true
	self.mutex.Unlock()

	self.announceCode(content)
}

func (self *SessionController) handleChatMessage(message *ChatMessage) {
	self.mutex.Lock()
	if self.exited {
		self.mutex.Unlock()
		return
	}
	// arrival order is preserved
	self.chatLog = append(self.chatLog, message)
	self.mutex.Unlock()

	self.announceChat(message)
}

func (self *SessionController) handleExecutionResult(result *ExecutionResult) {
	output := result.Output
	if output == "" {
		output = result.Error
	}
	if output == "" {
		output = "Execution finished."
	}

	self.mutex.Lock()
	if self.exited {
		self.mutex.Unlock()
		return
	}
	self.output = output
	self.executing = false
	self.mutex.Unlock()

	self.announceOutput(output)
}

// local edit. published as a full-content replace; viewers are read-only.
func (self *SessionController) SetCode(content string) {
	self.mutex.Lock()
	if self.exited {
		self.mutex.Unlock()
		return
	}
	if self.snapshot != nil {
		if role, ok := self.snapshot.RoleOf(self.identity.UserId); ok && role == RoleViewer {
			self.mutex.Unlock()
			glog.V(2).Infof("[ctl]%s drop edit (viewer)\n", self.sessionId)
			return
		}
	}
	self.code = content
	self.codeSeeded = true
	self.mutex.Unlock()

	self.codeChannel.Publish(content)
}

func (self *SessionController) SendChat(content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	self.chatChannel.Send(&ChatMessage{
		Sender:  self.identity.UserId,
		Content: content,
		Type:    ChatMessageType,
	})
}

// submits the code for execution. the result arrives on the output channel.
func (self *SessionController) RunCode(stdin string) {
	self.mutex.Lock()
	if self.exited || self.executing {
		self.mutex.Unlock()
		return
	}
	self.executing = true
	self.output = "Executing..."
	code := self.code
	language := ""
	if self.snapshot != nil {
		language = self.snapshot.Language
	}
	self.mutex.Unlock()
	self.announceOutput("Executing...")

	self.api.Execute(
		&ExecuteArgs{
			SessionId: self.sessionId,
			Language:  language,
			Code:      code,
			Stdin:     stdin,
		},
		NewApiCallback(func(result *EmptyResult, err error) {
			if err != nil {
				self.mutex.Lock()
				self.executing = false
				self.mutex.Unlock()
				self.notice(fmt.Sprintf("Execution failed: %s", err))
			}
		}),
	)
}

func (self *SessionController) Explain(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("nothing selected to explain")
	}
	return self.api.ExplainSync(&ExplainArgs{Text: text})
}

// owner action. removes the acted-on request locally and re-fetches.
func (self *SessionController) Approve(username string) error {
	_, err := self.api.ApproveJoinSync(self.sessionId, username)
	if err != nil {
		self.notice(fmt.Sprintf("Failed to approve %s: %s", username, err))
	} else {
		self.removeJoinRequest(username)
	}
	self.Refresh()
	return err
}

// owner action
func (self *SessionController) Deny(username string) error {
	_, err := self.api.DenyJoinSync(self.sessionId, username)
	if err != nil {
		self.notice(fmt.Sprintf("Failed to deny %s: %s", username, err))
	} else {
		self.removeJoinRequest(username)
	}
	self.Refresh()
	return err
}

func (self *SessionController) removeJoinRequest(username string) {
	self.mutex.Lock()
	nextRequests := []*Notification{}
	for _, request := range self.joinRequests {
		if request.FromUser != username {
			nextRequests = append(nextRequests, request)
		}
	}
	changed := len(nextRequests) != len(self.joinRequests)
	self.joinRequests = nextRequests
	requests := slices.Clone(self.joinRequests)
	self.mutex.Unlock()

	if changed {
		self.announceJoinRequests(requests)
	}
}

// owner action
func (self *SessionController) SetRole(username string, role Role) error {
	_, err := self.api.SetPermissionSync(self.sessionId, username, role)
	if err != nil {
		self.notice(fmt.Sprintf("Failed to change role for %s: %s", username, err))
	}
	self.Refresh()
	return err
}

// owner action. being blocked is observed by the target as a forced
// disconnect, not a status value.
func (self *SessionController) Block(username string) error {
	_, err := self.api.BlockUserSync(self.sessionId, username)
	if err != nil {
		self.notice(fmt.Sprintf("Failed to block %s: %s", username, err))
	}
	self.Refresh()
	return err
}

// owner action. the returned snapshot carries the appended history.
func (self *SessionController) SaveSnapshot() error {
	result, err := self.api.SaveSnapshotSync(self.sessionId)
	if err != nil {
		self.notice(fmt.Sprintf("Failed to save snapshot: %s", err))
		return err
	}
	self.applySnapshot(result)
	return nil
}

// owner action. broadcasts the reverted code so every participant converges.
func (self *SessionController) Revert(snapshotId int64) error {
	result, err := self.api.RevertSnapshotSync(self.sessionId, snapshotId)
	if err != nil {
		self.notice(fmt.Sprintf("Failed to revert: %s", err))
		return err
	}

	self.mutex.Lock()
	if !self.exited {
		self.code = result.CodeContent
		self.codeSeeded = true
	}
	self.mutex.Unlock()

	self.codeChannel.Publish(result.CodeContent)
	self.announceCode(result.CodeContent)
	self.applySnapshot(result)
	return nil
}

// leaves the session. the owner cannot leave; the service responds 403
// with a message, which is surfaced and the flow continues.
func (self *SessionController) Leave() error {
	_, err := self.api.LeaveSessionSync(self.sessionId)
	if err != nil {
		self.notice(fmt.Sprintf("Could not leave session: %s", err))
		return err
	}

	self.chatChannel.Send(&ChatMessage{
		Sender:  self.identity.UserId,
		Content: "has left the session",
		Type:    ChatLeave,
	})
	self.exit("left the session")
	return nil
}

// owner action. terminal for everyone; peers observe SESSION_DELETED.
func (self *SessionController) Delete() error {
	_, err := self.api.DeleteSessionSync(self.sessionId)
	if err != nil {
		self.notice(fmt.Sprintf("Could not delete session: %s", err))
		return err
	}

	self.chatChannel.Send(&ChatMessage{
		Sender:  self.identity.UserId,
		Content: "has deleted the session",
		Type:    ChatSessionDeleted,
	})
	self.exit("session deleted")
	return nil
}

func (self *SessionController) Close() {
	self.exit("closed")
}

// teardown happens exactly once no matter how many paths reach it
func (self *SessionController) exit(reason string) {
	self.mutex.Lock()
	if self.exited {
		self.mutex.Unlock()
		return
	}
	self.exited = true
	self.mutex.Unlock()

	glog.V(1).Infof("[ctl]%s exit = %s\n", self.sessionId, reason)

	self.reconciler.Stop()
	self.transport.Disconnect()
	self.cancel()

	for _, callback := range self.exitCallbacks.get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[ctl]exit callback panic = %v\n", r)
				}
			}()
			callback(reason)
		}()
	}
}

func (self *SessionController) SessionId() string {
	return self.sessionId
}

func (self *SessionController) Identity() *Identity {
	identity := *self.identity
	return &identity
}

func (self *SessionController) Status() MembershipStatus {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.status
}

func (self *SessionController) Snapshot() *SessionSnapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.snapshot
}

// the local role per the cached snapshot. the server is the authority;
// this only reflects it.
func (self *SessionController) Role() (Role, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.snapshot == nil {
		return "", false
	}
	return self.snapshot.RoleOf(self.identity.UserId)
}

func (self *SessionController) Code() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.code
}

func (self *SessionController) ChatLog() []*ChatMessage {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.chatLog)
}

func (self *SessionController) JoinRequests() []*Notification {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.joinRequests)
}

func (self *SessionController) Output() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.output
}

func (self *SessionController) Executing() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.executing
}

func (self *SessionController) AddStatusCallback(callback StatusFunction) func() {
	return self.statusCallbacks.add(callback)
}

func (self *SessionController) AddSnapshotCallback(callback SnapshotFunction) func() {
	return self.snapshotCallbacks.add(callback)
}

func (self *SessionController) AddCodeCallback(callback CodeFunction) func() {
	return self.codeCallbacks.add(callback)
}

func (self *SessionController) AddChatCallback(callback ChatFunction) func() {
	return self.chatCallbacks.add(callback)
}

func (self *SessionController) AddOutputCallback(callback OutputFunction) func() {
	return self.outputCallbacks.add(callback)
}

func (self *SessionController) AddJoinRequestsCallback(callback JoinRequestsFunction) func() {
	return self.joinRequestsCallbacks.add(callback)
}

func (self *SessionController) AddNoticeCallback(callback NoticeFunction) func() {
	return self.noticeCallbacks.add(callback)
}

func (self *SessionController) AddExitCallback(callback ExitFunction) func() {
	return self.exitCallbacks.add(callback)
}

func (self *SessionController) notice(notice string) {
	if notice == "" {
		return
	}
	for _, callback := range self.noticeCallbacks.get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[ctl]notice callback panic = %v\n", r)
				}
			}()
			callback(notice)
		}()
	}
}

func (self *SessionController) announceStatus(status MembershipStatus) {
	for _, callback := range self.statusCallbacks.get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[ctl]status callback panic = %v\n", r)
				}
			}()
			callback(status)
		}()
	}
}

func (self *SessionController) announceSnapshot(snapshot *SessionSnapshot) {
	for _, callback := range self.snapshotCallbacks.get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[ctl]snapshot callback panic = %v\n", r)
				}
			}()
			callback(snapshot)
		}()
	}
}

func (self *SessionController) announceCode(content string) {
	for _, callback := range self.codeCallbacks.get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[ctl]code callback panic = %v\n", r)
				}
			}()
			callback(content)
		}()
	}
}

func (self *SessionController) announceChat(message *ChatMessage) {
	for _, callback := range self.chatCallbacks.get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[ctl]chat callback panic = %v\n", r)
				}
			}()
			callback(message)
		}()
	}
}

func (self *SessionController) announceOutput(output string) {
	for _, callback := range self.outputCallbacks.get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[ctl]output callback panic = %v\n", r)
				}
			}()
			callback(output)
		}()
	}
}

func (self *SessionController) announceJoinRequests(requests []*Notification) {
	for _, callback := range self.joinRequestsCallbacks.get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[ctl]join requests callback panic = %v\n", r)
				}
			}()
			callback(requests)
		}()
	}
}
