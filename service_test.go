package collab

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// in-test session service. holds one session and mutates it the way the
// real service does, so membership observations behave realistically.
type testSessionService struct {
	t *testing.T

	server *httptest.Server

	mutex            sync.Mutex
	snapshot         *SessionSnapshot
	autoApprove      bool
	requestJoinCount int
	executeCount     int
	lastExecute      *ExecuteArgs
	nextHistoryId    int64
}

func newTestSessionService(t *testing.T, snapshot *SessionSnapshot) *testSessionService {
	service := &testSessionService{
		t:             t,
		snapshot:      snapshot,
		nextHistoryId: 1,
	}
	service.server = httptest.NewServer(http.HandlerFunc(service.handle))
	return service
}

func (self *testSessionService) url() string {
	return self.server.URL
}

func (self *testSessionService) close() {
	self.server.Close()
}

func (self *testSessionService) edit(editFn func(snapshot *SessionSnapshot)) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	editFn(self.snapshot)
}

func (self *testSessionService) joinCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.requestJoinCount
}

func (self *testSessionService) executedCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.executeCount
}

func (self *testSessionService) handle(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	username := r.Header.Get("X-Authenticated-Username")
	path := r.URL.Path

	writeSnapshot := func() {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(self.snapshot)
	}

	switch {
	case r.Method == "GET" && path == "/sessions/"+self.snapshot.UniqueId:
		writeSnapshot()

	case r.Method == "POST" && path == "/sessions":
		args := &CreateSessionArgs{}
		json.NewDecoder(r.Body).Decode(args)
		self.snapshot.IsPrivate = args.IsPrivate
		self.snapshot.Language = args.Language
		writeSnapshot()

	case r.Method == "POST" && path == "/sessions/"+self.snapshot.UniqueId+"/request-join":
		self.requestJoinCount += 1
		if self.autoApprove {
			self.snapshot.Participants[username] = RoleEditor
		} else if !self.snapshot.IsPending(username) {
			self.snapshot.PendingRequests = append(self.snapshot.PendingRequests, username)
		}
		w.WriteHeader(http.StatusOK)

	case r.Method == "POST" && strings.HasPrefix(path, "/sessions/"+self.snapshot.UniqueId+"/approve/"):
		target := strings.TrimPrefix(path, "/sessions/"+self.snapshot.UniqueId+"/approve/")
		self.snapshot.Participants[target] = RoleEditor
		self.removePending(target)
		w.WriteHeader(http.StatusOK)

	case r.Method == "POST" && strings.HasPrefix(path, "/sessions/"+self.snapshot.UniqueId+"/deny/"):
		target := strings.TrimPrefix(path, "/sessions/"+self.snapshot.UniqueId+"/deny/")
		self.removePending(target)
		w.WriteHeader(http.StatusOK)

	case r.Method == "PUT" && strings.HasPrefix(path, "/sessions/"+self.snapshot.UniqueId+"/permissions/"):
		target := strings.TrimPrefix(path, "/sessions/"+self.snapshot.UniqueId+"/permissions/")
		args := &SetPermissionArgs{}
		json.NewDecoder(r.Body).Decode(args)
		self.snapshot.Participants[target] = args.Role
		w.WriteHeader(http.StatusOK)

	case r.Method == "POST" && strings.HasPrefix(path, "/sessions/"+self.snapshot.UniqueId+"/block/"):
		target := strings.TrimPrefix(path, "/sessions/"+self.snapshot.UniqueId+"/block/")
		delete(self.snapshot.Participants, target)
		self.removePending(target)
		self.snapshot.BlockedUsers = append(self.snapshot.BlockedUsers, target)
		w.WriteHeader(http.StatusOK)

	case r.Method == "POST" && path == "/sessions/"+self.snapshot.UniqueId+"/leave":
		if username == self.snapshot.OwnerUsername {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{
				"message": "Session owner cannot leave. Please delete the session instead.",
			})
			return
		}
		delete(self.snapshot.Participants, username)
		w.WriteHeader(http.StatusOK)

	case r.Method == "DELETE" && path == "/sessions/"+self.snapshot.UniqueId:
		w.WriteHeader(http.StatusOK)

	case r.Method == "POST" && path == "/sessions/"+self.snapshot.UniqueId+"/snapshots":
		self.snapshot.History = append([]*SnapshotEntry{{
			Id:          self.nextHistoryId,
			Timestamp:   time.Now(),
			CodeContent: self.snapshot.CodeContent,
		}}, self.snapshot.History...)
		self.nextHistoryId += 1
		writeSnapshot()

	case r.Method == "POST" && strings.HasPrefix(path, "/sessions/"+self.snapshot.UniqueId+"/revert/"):
		idStr := strings.TrimPrefix(path, "/sessions/"+self.snapshot.UniqueId+"/revert/")
		for _, entry := range self.snapshot.History {
			if fmt.Sprintf("%d", entry.Id) == idStr {
				self.snapshot.CodeContent = entry.CodeContent
			}
		}
		writeSnapshot()

	case r.Method == "POST" && path == "/execute":
		args := &ExecuteArgs{}
		json.NewDecoder(r.Body).Decode(args)
		self.executeCount += 1
		self.lastExecute = args
		w.WriteHeader(http.StatusAccepted)

	case r.Method == "POST" && path == "/ai/explain":
		args := &ExplainArgs{}
		json.NewDecoder(r.Body).Decode(args)
		fmt.Fprintf(w, "This code has %d characters.", len(args.Text))

	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "no route for %s %s", r.Method, path)
	}
}

func (self *testSessionService) removePending(username string) {
	next := []string{}
	for _, pending := range self.snapshot.PendingRequests {
		if pending != username {
			next = append(next, pending)
		}
	}
	self.snapshot.PendingRequests = next
}
