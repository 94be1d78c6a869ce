// Package room models a conversation channel: its metadata, membership,
// bounded recent-message history, and the conversation-chain bookkeeping
// the routing engine needs for chain-depth and cycle-safety invariants.
// Adapted from the teacher's internal/v1/room package — same
// RWMutex-guarded struct with *Locked helper methods, same
// container/list-backed bounded history with front-eviction.
package room

import (
	"container/list"
	"sync"
	"time"

	"github.com/NoPKT/agentim/internal/types"
)

const maxRecentMessages = 200

// Room is a conversation channel: metadata, membership, and a bounded
// window of recent messages for context snapshots.
type Room struct {
	mu sync.RWMutex

	id            types.RoomIDType
	name          string
	broadcastMode bool
	systemPrompt  string

	members map[string]types.Member // keyed by Member.ID
	history *list.List              // of types.Message

	onEmpty func(types.RoomIDType)
}

var _ types.Roomer = (*Room)(nil)

// New builds an empty Room. onEmptyCallback, if non-nil, is invoked
// on its own goroutine by RemoveMember when the last member leaves.
func New(id types.RoomIDType, name string, broadcastMode bool, systemPrompt string, onEmptyCallback func(types.RoomIDType)) *Room {
	return &Room{
		id:            id,
		name:          name,
		broadcastMode: broadcastMode,
		systemPrompt:  systemPrompt,
		members:       make(map[string]types.Member),
		history:       list.New(),
		onEmpty:       onEmptyCallback,
	}
}

func (r *Room) GetID() types.RoomIDType { return r.id }

func (r *Room) IsBroadcastMode() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.broadcastMode
}

func (r *Room) SystemPrompt() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.systemPrompt
}

func (r *Room) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

// SetMetadata updates the room's name/broadcastMode/systemPrompt atomically.
func (r *Room) SetMetadata(name string, broadcastMode bool, systemPrompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
	r.broadcastMode = broadcastMode
	r.systemPrompt = systemPrompt
}

// IsMember reports whether id (a stringified user or agent id) is a
// current room member.
func (r *Room) IsMember(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

// Members returns a snapshot slice of current members.
func (r *Room) Members() []types.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// MemberAgents returns the subset of members that are agents.
func (r *Room) MemberAgents() []types.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Member
	for _, m := range r.members {
		if m.Type == types.SenderTypeAgent {
			out = append(out, m)
		}
	}
	return out
}

// AddMember inserts or updates a member (join, or role/pref change).
func (r *Room) AddMember(m types.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	r.members[m.ID] = m
}

// RemoveMember removes a member (leave/disconnect). Returns true if the
// room is now empty, in which case the caller should evict it from its
// registry; onEmpty is invoked to let callers react immediately too.
func (r *Room) RemoveMember(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, id)
	empty := len(r.members) == 0
	if empty && r.onEmpty != nil {
		go r.onEmpty(r.id)
	}
	return empty
}

// AppendMessage records msg in the bounded recent-history window.
func (r *Room) AppendMessage(msg types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history.PushBack(msg)
	for r.history.Len() > maxRecentMessages {
		r.history.Remove(r.history.Front())
	}
}

// Snapshot builds the immutable types.Room value the routing engine
// operates on, so routing decisions never take the room's lock.
func (r *Room) Snapshot() types.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]types.Member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	return types.Room{
		ID:            r.id,
		Name:          r.name,
		BroadcastMode: r.broadcastMode,
		SystemPrompt:  r.systemPrompt,
		Members:       members,
	}
}

// RecentMessages returns up to n of the most recent messages, oldest first.
func (r *Room) RecentMessages(n int) []types.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := r.history.Len()
	if n <= 0 || n > total {
		n = total
	}
	skip := total - n

	out := make([]types.Message, 0, n)
	i := 0
	for e := r.history.Front(); e != nil; e = e.Next() {
		if i >= skip {
			out = append(out, e.Value.(types.Message))
		}
		i++
	}
	return out
}
