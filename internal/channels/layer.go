package channels

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
)

// SendOptions controls how a group broadcast reports delivery failures.
type SendOptions struct {
	// ThrowOnError makes the broadcast return the first delivery error.
	// Every session in the group is still attempted before returning.
	ThrowOnError bool
}

// SendResult is the outcome of one group broadcast.
type SendResult struct {
	// Sent is the number of sessions whose queue accepted the message.
	Sent int
	// Failed is the number of closed sessions plus failed enqueues.
	Failed int
	// Errors holds one entry per failed session, tagged with its ID.
	Errors []error
}

// Layer tracks which sessions belong to which named groups and fans
// messages out to them. Group membership is held in two indexes, group
// name to sessions and session ID to group names, mutated together under
// one mutex so they can never disagree. Broadcasts snapshot the member
// list and deliver outside the lock.
type Layer struct {
	mu       sync.Mutex
	groups   map[string]map[string]*Session
	sessions map[string]map[string]struct{}
}

// NewLayer returns an empty channel layer.
func NewLayer() *Layer {
	return &Layer{
		groups:   make(map[string]map[string]*Session),
		sessions: make(map[string]map[string]struct{}),
	}
}

// GroupAdd puts the session into the named group. Adding a member twice
// is a no-op.
func (l *Layer) GroupAdd(group string, s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()

	members, ok := l.groups[group]
	if !ok {
		members = make(map[string]*Session)
		l.groups[group] = members
	}
	members[s.ID()] = s

	names, ok := l.sessions[s.ID()]
	if !ok {
		names = make(map[string]struct{})
		l.sessions[s.ID()] = names
	}
	names[group] = struct{}{}
}

// GroupDiscard removes the session from the named group. Removing a
// non-member is a no-op. Groups left empty are pruned.
func (l *Layer) GroupDiscard(group string, s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discard(group, s.ID())
}

// DiscardAll removes the session from every group it belongs to. Used by
// the channel-aware handler on close and on error so membership never
// outlives the connection.
func (l *Layer) DiscardAll(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for group := range l.sessions[s.ID()] {
		l.discard(group, s.ID())
	}
}

// discard drops one (group, session) pair from both indexes. Caller holds
// the mutex.
func (l *Layer) discard(group, sessionID string) {
	if members, ok := l.groups[group]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(l.groups, group)
		}
	}
	if names, ok := l.sessions[sessionID]; ok {
		delete(names, group)
		if len(names) == 0 {
			delete(l.sessions, sessionID)
		}
	}
}

// GroupSend broadcasts a text message to every session in the group.
// Closed sessions and full send queues count as failures; open sessions
// are never blocked on. When opts.ThrowOnError is set the first delivery
// error is returned after all members have been attempted.
func (l *Layer) GroupSend(group, message string, opts SendOptions) (SendResult, error) {
	return l.broadcast(group, opts, func(s *Session) error {
		return s.SendText(message)
	})
}

// GroupSendBinary broadcasts a binary message to every session in the
// group with the same semantics as GroupSend.
func (l *Layer) GroupSendBinary(group string, data []byte, opts SendOptions) (SendResult, error) {
	return l.broadcast(group, opts, func(s *Session) error {
		return s.SendBinary(data)
	})
}

func (l *Layer) broadcast(group string, opts SendOptions, send func(*Session) error) (SendResult, error) {
	members := l.GetGroupSessions(group)

	var res SendResult
	for _, s := range members {
		if !s.IsOpen() {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("session %s: %w", s.ID(), ErrSessionClosed))
			continue
		}
		if err := send(s); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("session %s: %w", s.ID(), err))
			continue
		}
		res.Sent++
	}

	if opts.ThrowOnError && len(res.Errors) > 0 {
		return res, res.Errors[0]
	}
	return res, nil
}

// GetGroupSessions returns a snapshot of the group's members. The slice
// is safe to iterate while the layer mutates.
func (l *Layer) GetGroupSessions(group string) []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	members := l.groups[group]
	out := make([]*Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// GetSessionGroups returns the sorted names of every group the session
// belongs to.
func (l *Layer) GetSessionGroups(s *Session) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := l.sessions[s.ID()]
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GroupSize returns the number of sessions in the group.
func (l *Layer) GroupSize(group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.groups[group])
}

// IsInGroup reports whether the session is a member of the group.
func (l *Layer) IsInGroup(group string, s *Session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.groups[group][s.ID()]
	return ok
}

// GetAllGroups returns the sorted names of every non-empty group.
func (l *Layer) GetAllGroups() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.groups))
	for name := range l.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns per-group member counts and the number of distinct
// tracked sessions. Served by the ops API.
func (l *Layer) Snapshot() (groups map[string]int, sessions int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	groups = make(map[string]int, len(l.groups))
	for name, members := range l.groups {
		groups[name] = len(members)
	}
	return groups, len(l.sessions)
}

// Close empties the registry and closes every tracked session with a
// going-away frame. The layer remains usable afterwards.
func (l *Layer) Close() {
	l.mu.Lock()
	all := make(map[string]*Session)
	for _, members := range l.groups {
		for id, s := range members {
			all[id] = s
		}
	}
	l.groups = make(map[string]map[string]*Session)
	l.sessions = make(map[string]map[string]struct{})
	l.mu.Unlock()

	for _, s := range all {
		s.Close(websocket.CloseGoingAway, "server shutting down")
	}
}
