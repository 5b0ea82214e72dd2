// Package signaling pairs the browser client and the media peer of an
// interview session and relays their messages to each other.
package signaling

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/avatarcast/internal/protocol"
)

// Role tags a peer inside its session.
type Role string

const (
	RoleClient    Role = "client"
	RoleMediaPeer Role = "media-peer"
	// RoleAvatarPeer is reserved; registrations with it are refused.
	RoleAvatarPeer Role = "avatar-peer"
)

// ParseRole accepts the roles a peer may register as.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleClient:
		return RoleClient, true
	case RoleMediaPeer:
		return RoleMediaPeer, true
	default:
		return "", false
	}
}

// targetsOf is the fixed 1:1 relay topology.
func targetsOf(from Role) []Role {
	switch from {
	case RoleClient:
		return []Role{RoleMediaPeer}
	case RoleMediaPeer:
		return []Role{RoleClient}
	default:
		return nil
	}
}

// Channel is the transport handle of one connected endpoint. Send must
// preserve call order; Close must be safe to call more than once.
type Channel interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

// ReplacePolicy decides what happens when a role is registered twice in a session.
type ReplacePolicy string

const (
	// ReplaceExisting keeps the newest registration and evicts the old peer.
	ReplaceExisting ReplacePolicy = "replace"
	// RejectDuplicate refuses the newcomer and keeps the existing peer.
	RejectDuplicate ReplacePolicy = "reject"
)

func ParseReplacePolicy(s string) (ReplacePolicy, error) {
	switch ReplacePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReplaceExisting:
		return ReplaceExisting, nil
	case RejectDuplicate:
		return RejectDuplicate, nil
	default:
		return "", fmt.Errorf("unknown replace policy %q", s)
	}
}

// ProtocolError is terminal for the channel that caused it.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope is the wire form sent to the offending peer before its channel closes.
func (e *ProtocolError) Envelope() protocol.ErrorMessage {
	return protocol.NewError(e.Code, e.Message)
}

func protocolErrorf(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsProtocolError unwraps err into a *ProtocolError if it is one.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// PeerInfo is a read-only view of a registered peer.
type PeerInfo struct {
	Role         Role           `json:"role"`
	ChannelID    string         `json:"channel_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	ID        string     `json:"session_id"`
	CreatedAt time.Time  `json:"created_at"`
	Peers     []PeerInfo `json:"peers"`
}
