package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// client core for a shared code session:
// membership status, snapshot cache, realtime channels.
// the session service owns all persistent state; the client holds a
// read-mostly cached copy replaced wholesale on each fetch.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// wire values match the session service role enum
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
)

// the client's local belief about membership.
// monotonic except for the denial path Pending -> RequiresRequest.
type MembershipStatus int

const (
	MembershipChecking MembershipStatus = iota
	MembershipRequiresRequest
	MembershipPending
	MembershipApproved
)

func (self MembershipStatus) String() string {
	switch self {
	case MembershipChecking:
		return "CHECKING"
	case MembershipRequiresRequest:
		return "REQUIRES_REQUEST"
	case MembershipPending:
		return "PENDING"
	case MembershipApproved:
		return "APPROVED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(self))
	}
}

// owned exclusively by the realtime transport
type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionDisconnected:
		return "DISCONNECTED"
	case ConnectionConnecting:
		return "CONNECTING"
	case ConnectionConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(self))
	}
}

// `SessionSnapshot` mirrors the session service `CodeSession` wire shape.
// replaced wholesale on each fetch, never patched field by field.
type SessionSnapshot struct {
	UniqueId        string           `json:"uniqueId"`
	CodeContent     string           `json:"codeContent"`
	OwnerUsername   string           `json:"ownerUsername"`
	IsPrivate       bool             `json:"isPrivate"`
	Language        string           `json:"language,omitempty"`
	Participants    map[string]Role  `json:"participants"`
	PendingRequests []string         `json:"pendingRequests"`
	BlockedUsers    []string         `json:"blockedUsers,omitempty"`
	History         []*SnapshotEntry `json:"history,omitempty"`
}

// a saved point in the code history, newest first
type SnapshotEntry struct {
	Id          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	CodeContent string    `json:"codeContent"`
}

func (self *SessionSnapshot) RoleOf(username string) (Role, bool) {
	role, ok := self.Participants[username]
	return role, ok
}

func (self *SessionSnapshot) IsParticipant(username string) bool {
	_, ok := self.Participants[username]
	return ok
}

func (self *SessionSnapshot) IsPending(username string) bool {
	return slices.Contains(self.PendingRequests, username)
}

func (self *SessionSnapshot) IsBlocked(username string) bool {
	return slices.Contains(self.BlockedUsers, username)
}

func (self *SessionSnapshot) ParticipantUsernames() []string {
	usernames := maps.Keys(self.Participants)
	slices.Sort(usernames)
	return usernames
}
