package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarcast/internal/observability"
	"github.com/antoniostano/avatarcast/internal/policy"
	"github.com/antoniostano/avatarcast/internal/protocol"
)

type Options struct {
	ReplacePolicy ReplacePolicy
	Logger        zerolog.Logger
	Metrics       *observability.Metrics
}

// Router pairs peers by session and relays messages between them. It is safe
// for concurrent use by one goroutine per channel.
type Router struct {
	registry *Registry
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewRouter(opts Options) *Router {
	return &Router{
		registry: NewRegistry(opts.ReplacePolicy),
		logger:   opts.Logger.With().Str("component", "signaling").Logger(),
		metrics:  opts.Metrics,
	}
}

func (r *Router) Registry() *Registry { return r.registry }

// Register binds ch to (sessionID, role). The session is created on first
// use. A protocol error is returned for unknown roles, empty session IDs, a
// channel that is already bound, or a duplicate role under RejectDuplicate.
func (r *Router) Register(ch Channel, role string, sessionID string, metadata map[string]any) (protocol.Registered, error) {
	return r.register(ch, role, sessionID, metadata, nil)
}

// register is Register with an optional ack hook that runs before the peer
// can receive relayed traffic.
func (r *Router) register(ch Channel, role, sessionID string, metadata map[string]any, ack func(protocol.Registered) error) (protocol.Registered, error) {
	parsed, ok := ParseRole(role)
	if !ok {
		r.metrics.SignalEvent("register_rejected")
		return protocol.Registered{}, protocolErrorf(protocol.CodeInvalidRole, "unknown peer_type %q", role)
	}
	if sessionID == "" {
		r.metrics.SignalEvent("register_rejected")
		return protocol.Registered{}, protocolErrorf(protocol.CodeProtocolError, "session_id is required")
	}

	registered := protocol.Registered{
		Type:      protocol.TypeRegistered,
		SessionID: sessionID,
		PeerType:  string(parsed),
	}
	var bind func() error
	if ack != nil {
		bind = func() error { return ack(registered) }
	}
	res, err := r.registry.add(ch, parsed, sessionID, metadata, bind)
	if err != nil {
		r.metrics.SignalEvent("register_rejected")
		return protocol.Registered{}, err
	}
	if res.sessionCreated {
		r.metrics.SignalEvent("session_created")
		r.logger.Info().Str("session_id", sessionID).Msg("session created")
	}
	if res.displaced != nil {
		r.evict(res.displaced, sessionID, parsed)
	}
	r.metrics.SignalEvent("register")
	r.publishCounts()

	r.logger.Info().
		Str("session_id", sessionID).
		Str("role", string(parsed)).
		Str("channel_id", ch.ID()).
		Interface("metadata", policy.RedactMetadata(metadata)).
		Msg("peer registered")

	return registered, nil
}

func (r *Router) evict(old Channel, sessionID string, role Role) {
	r.metrics.SignalEvent("replaced")
	r.logger.Warn().
		Str("session_id", sessionID).
		Str("role", string(role)).
		Str("channel_id", old.ID()).
		Msg("peer replaced by newer registration")
	r.terminate(old, &ProtocolError{
		Code:    protocol.CodeReplaced,
		Message: fmt.Sprintf("%s re-registered in session %s from another connection", role, sessionID),
	})
}

// Route forwards raw unchanged to the counterpart of the sender. Messages from
// unregistered channels, or with no counterpart present, are dropped.
func (r *Router) Route(ch Channel, raw []byte) error {
	sessionID, role, ok := r.registry.Lookup(ch)
	if !ok {
		r.metrics.SignalMessage("unregistered", "dropped")
		r.logger.Warn().Str("channel_id", ch.ID()).Msg("dropping message from unregistered channel")
		return nil
	}

	targets := r.registry.targets(sessionID, role)
	if len(targets) == 0 {
		r.metrics.SignalMessage(string(role), "no_target")
		r.logger.Debug().
			Str("session_id", sessionID).
			Str("from_role", string(role)).
			Msg("no counterpart registered, message dropped")
		return nil
	}

	var errs []error
	for _, target := range targets {
		if err := target.Send(raw); err != nil {
			r.metrics.SignalMessage(string(role), "send_failed")
			r.logger.Warn().Err(err).
				Str("session_id", sessionID).
				Str("from_role", string(role)).
				Str("target_channel", target.ID()).
				Msg("relay send failed")
			errs = append(errs, err)
			continue
		}
		r.metrics.SignalMessage(string(role), "relayed")
	}
	return errors.Join(errs...)
}

// Disconnect unbinds ch and deletes its session once empty. Repeated calls,
// or calls for a channel that never registered, are no-ops.
func (r *Router) Disconnect(ch Channel) {
	res, ok := r.registry.remove(ch)
	if !ok {
		return
	}
	r.metrics.SignalEvent("disconnect")
	r.logger.Info().
		Str("session_id", res.sessionID).
		Str("role", string(res.role)).
		Str("channel_id", ch.ID()).
		Msg("peer disconnected")
	if res.sessionEnded {
		r.metrics.SignalEvent("session_deleted")
		r.logger.Info().Str("session_id", res.sessionID).Msg("session deleted")
	}
	r.publishCounts()
}

// HandleBinary handles a binary frame. Before registration it is a protocol
// violation and terminates ch; afterwards the frame is dropped.
func (r *Router) HandleBinary(ch Channel) error {
	if _, _, ok := r.registry.Lookup(ch); ok {
		r.metrics.SignalMessage("registered", "binary_dropped")
		r.logger.Debug().Str("channel_id", ch.ID()).Msg("dropping binary frame")
		return nil
	}
	perr := protocolErrorf(protocol.CodeProtocolError, "first message must be a register text frame")
	r.logger.Warn().Str("channel_id", ch.ID()).Msg("rejecting channel: binary frame before register")
	r.terminate(ch, perr)
	return perr
}

// HandleMessage drives one inbound text frame through the channel state
// machine. The first frame must be a register message. A non-nil error is
// terminal: the caller must stop reading and close the transport.
func (r *Router) HandleMessage(ch Channel, raw []byte) error {
	if _, _, ok := r.registry.Lookup(ch); !ok {
		return r.handleRegister(ch, raw)
	}

	msgType, err := protocol.ParseEnvelope(raw)
	if err != nil {
		r.metrics.SignalMessage("registered", "invalid")
		r.logger.Warn().Err(err).Str("channel_id", ch.ID()).Msg("dropping invalid message")
		return nil
	}
	if msgType == protocol.TypeRegister {
		perr := protocolErrorf(protocol.CodeProtocolError, "channel is already registered")
		r.terminate(ch, perr)
		r.Disconnect(ch)
		return perr
	}
	// Delivery failures belong to the target channel, not the sender.
	_ = r.Route(ch, raw)
	return nil
}

func (r *Router) handleRegister(ch Channel, raw []byte) error {
	msg, err := protocol.ParseRegister(raw)
	if err != nil {
		perr := protocolErrorf(protocol.CodeProtocolError, "first message must be register: %v", err)
		r.logger.Warn().Err(err).Str("channel_id", ch.ID()).Msg("rejecting channel")
		r.terminate(ch, perr)
		return perr
	}

	_, err = r.register(ch, msg.PeerType, msg.SessionID, msg.Metadata, func(ack protocol.Registered) error {
		payload, err := json.Marshal(ack)
		if err != nil {
			return fmt.Errorf("marshal registered ack: %w", err)
		}
		if err := ch.Send(payload); err != nil {
			return fmt.Errorf("send registered ack: %w", err)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	perr, ok := AsProtocolError(err)
	if !ok {
		// The ack never reached the peer, so nothing was bound.
		r.logger.Warn().Err(err).Str("channel_id", ch.ID()).Msg("registration ack failed")
		_ = ch.Close()
		return err
	}
	r.logger.Warn().Err(err).Str("channel_id", ch.ID()).Msg("registration refused")
	r.terminate(ch, perr)
	return perr
}

// terminate sends a best-effort error envelope and closes ch.
func (r *Router) terminate(ch Channel, perr *ProtocolError) {
	if payload, err := json.Marshal(perr.Envelope()); err == nil {
		if err := ch.Send(payload); err != nil {
			r.logger.Debug().Err(err).Str("channel_id", ch.ID()).Msg("error envelope not delivered")
		}
	}
	if err := ch.Close(); err != nil {
		r.logger.Debug().Err(err).Str("channel_id", ch.ID()).Msg("close channel")
	}
}

func (r *Router) publishCounts() {
	sessions, peers := r.registry.Counts()
	r.metrics.SetSignalCounts(sessions, peers)
}
