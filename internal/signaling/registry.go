package signaling

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/antoniostano/avatarcast/internal/protocol"
)

var ErrNotFound = errors.New("session not found")

type peer struct {
	role         Role
	ch           Channel
	metadata     map[string]any
	registeredAt time.Time
}

type session struct {
	id        string
	createdAt time.Time
	peers     map[Role]*peer
}

type binding struct {
	sessionID string
	role      Role
}

// Registry owns the session table and the reverse channel index. Every
// mutation of both maps happens under mu, so they never disagree.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*session
	byChannel map[string]binding
	policy    ReplacePolicy
	now       func() time.Time
}

func NewRegistry(policy ReplacePolicy) *Registry {
	if policy == "" {
		policy = ReplaceExisting
	}
	return &Registry{
		sessions:  make(map[string]*session),
		byChannel: make(map[string]binding),
		policy:    policy,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type addResult struct {
	displaced      Channel
	sessionCreated bool
}

// add binds ch to (sessionID, role). bind, when set, runs under the lock
// after every check has passed and before ch becomes visible to other peers;
// an error from it leaves the registry unchanged.
func (r *Registry) add(ch Channel, role Role, sessionID string, metadata map[string]any, bind func() error) (addResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.byChannel[ch.ID()]; ok {
		return addResult{}, protocolErrorf(protocol.CodeProtocolError,
			"channel already registered as %s in session %s", b.role, b.sessionID)
	}

	var res addResult
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &session{id: sessionID, createdAt: r.now(), peers: make(map[Role]*peer, 2)}
		res.sessionCreated = true
	}

	existing, taken := s.peers[role]
	if taken && r.policy == RejectDuplicate {
		return addResult{}, protocolErrorf(protocol.CodeProtocolError,
			"role %s already registered in session %s", role, sessionID)
	}
	if bind != nil {
		if err := bind(); err != nil {
			return addResult{}, err
		}
	}
	if taken {
		delete(r.byChannel, existing.ch.ID())
		res.displaced = existing.ch
	}
	if res.sessionCreated {
		r.sessions[sessionID] = s
	}
	s.peers[role] = &peer{role: role, ch: ch, metadata: metadata, registeredAt: r.now()}
	r.byChannel[ch.ID()] = binding{sessionID: sessionID, role: role}
	return res, nil
}

type removeResult struct {
	sessionID    string
	role         Role
	sessionEnded bool
}

// remove unbinds ch. It reports false when ch was never bound or already removed.
func (r *Registry) remove(ch Channel) (removeResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byChannel[ch.ID()]
	if !ok {
		return removeResult{}, false
	}
	delete(r.byChannel, ch.ID())

	res := removeResult{sessionID: b.sessionID, role: b.role}
	s, ok := r.sessions[b.sessionID]
	if !ok {
		return res, true
	}
	if p, ok := s.peers[b.role]; ok && p.ch.ID() == ch.ID() {
		delete(s.peers, b.role)
	}
	if len(s.peers) == 0 {
		delete(r.sessions, b.sessionID)
		res.sessionEnded = true
	}
	return res, true
}

// Lookup resolves the session and role a channel is bound to.
func (r *Registry) Lookup(ch Channel) (sessionID string, role Role, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byChannel[ch.ID()]
	return b.sessionID, b.role, ok
}

// targets returns the channels a message from role in sessionID is relayed to.
func (r *Registry) targets(sessionID string, from Role) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	var out []Channel
	for _, role := range targetsOf(from) {
		if p, ok := s.peers[role]; ok {
			out = append(out, p.ch)
		}
	}
	return out
}

func (r *Registry) Get(sessionID string) (SessionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return SessionInfo{}, ErrNotFound
	}
	return snapshot(s), nil
}

// Snapshot lists all sessions ordered by creation time.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, snapshot(s))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of live sessions and bound peers.
func (r *Registry) Counts() (sessions, peers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.byChannel)
}

func snapshot(s *session) SessionInfo {
	info := SessionInfo{ID: s.id, CreatedAt: s.createdAt, Peers: make([]PeerInfo, 0, len(s.peers))}
	for _, p := range s.peers {
		info.Peers = append(info.Peers, PeerInfo{
			Role:         p.role,
			ChannelID:    p.ch.ID(),
			Metadata:     cloneMetadata(p.metadata),
			RegisteredAt: p.registeredAt,
		})
	}
	sort.Slice(info.Peers, func(i, j int) bool { return info.Peers[i].Role < info.Peers[j].Role })
	return info
}

func cloneMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
