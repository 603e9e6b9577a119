package protocol

import (
	"strings"
)

const subjectRoot = "lattice"

// Subjects builds bus subjects scoped to one lattice.
type Subjects struct {
	lattice string
}

func NewSubjects(latticeID string) Subjects {
	latticeID = strings.TrimSpace(latticeID)
	if latticeID == "" {
		latticeID = DefaultLattice
	}
	return Subjects{lattice: latticeID}
}

// DefaultLattice is used when no lattice id is configured.
const DefaultLattice = "default"

func (s Subjects) Lattice() string { return s.lattice }

func (s Subjects) prefix() string { return subjectRoot + "." + s.lattice }

func (s Subjects) Heartbeat() string { return s.prefix() + ".heartbeat" }

func (s Subjects) Event(kind string) string { return s.prefix() + ".event." + kind }

// Events matches every event kind.
func (s Subjects) Events() string { return s.prefix() + ".event.*" }

func (s Subjects) Inventory(hostID string) string {
	return s.prefix() + ".host." + hostID + ".inventory"
}

func (s Subjects) Command(hostID, kind string) string {
	return s.prefix() + ".host." + hostID + ".cmd." + kind
}

// Commands matches every command kind addressed to hostID.
func (s Subjects) Commands(hostID string) string {
	return s.prefix() + ".host." + hostID + ".cmd.*"
}

func (s Subjects) RPC(target string) string { return s.prefix() + ".rpc." + target }

func (s Subjects) Health(providerID, linkName string) string {
	return s.prefix() + ".provider." + providerID + "." + linkName + ".health"
}

// Inbox is the reply-subject prefix for hostID; replies use Inbox(h) + "." + nonce.
func (s Subjects) Inbox(hostID string) string { return s.prefix() + ".inbox." + hostID }

// Inboxes matches every reply subject under Inbox(hostID).
func (s Subjects) Inboxes(hostID string) string { return s.Inbox(hostID) + ".>" }

// Token returns the last subject token, used to recover event and command kinds.
func Token(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}
