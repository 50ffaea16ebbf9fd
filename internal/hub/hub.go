// Package hub is the composition root for the chat gateway: it ties the token verifier, the client registry, the
// presence counter and the broker together into the per-connection state machine and the cross-node fan-out loop.
package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatrelay/chathub/internal/auth"
	"github.com/chatrelay/chathub/internal/broker"
	"github.com/chatrelay/chathub/internal/frame"
	"github.com/chatrelay/chathub/internal/presence"
	"github.com/chatrelay/chathub/internal/registry"
)

// Hub holds everything a connection needs once it has been upgraded to a WebSocket: the identity verifier, the
// node-local registry, the presence counter, and the broker used for cross-node fan-out.
type Hub struct {
	nodeID   string
	verifier *auth.Verifier
	registry *registry.Registry
	presence *presence.Counter
	broker   *broker.Broker
	authWait time.Duration
	log      zerolog.Logger
}

// New constructs a Hub. nodeID identifies this process for presence self-echo suppression; it should be stable for
// the process lifetime but need not be stable across restarts.
func New(nodeID string, verifier *auth.Verifier, reg *registry.Registry, pc *presence.Counter, b *broker.Broker, authWait time.Duration, log zerolog.Logger) *Hub {
	return &Hub{
		nodeID:   nodeID,
		verifier: verifier,
		registry: reg,
		presence: pc,
		broker:   b,
		authWait: authWait,
		log:      log.With().Str("component", "hub").Logger(),
	}
}

// Run subscribes to the broker's pub/sub channels and dispatches every received event to locally attached sockets.
// It blocks until ctx is cancelled or the subscription itself fails; the caller is responsible for deciding whether
// to retry.
func (h *Hub) Run(ctx context.Context) error {
	return h.broker.Run(ctx, h.handlePubSubEvent)
}

// handlePubSubEvent processes one message received from the broker's subscription. Message events are always acted
// on, even by the node that published them, since the recipient may be attached to this very node. Presence events
// are dropped if they originated on this node, since this node already performed its local broadcast synchronously
// at publish time.
func (h *Hub) handlePubSubEvent(_ string, payload []byte) {
	var env frame.PubSubEvent
	if err := json.Unmarshal(payload, &env); err != nil {
		h.log.Warn().Err(err).Msg("Received malformed pub/sub envelope")
		return
	}

	switch env.Event {
	case frame.EventMessage:
		var msg frame.MessageOut
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			h.log.Warn().Err(err).Msg("Received malformed message event")
			return
		}
		h.localDeliverMessage(msg.To, []byte(env.Payload))

	case frame.EventPresence:
		if env.Origin == h.nodeID {
			return
		}
		var p frame.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.log.Warn().Err(err).Msg("Received malformed presence event")
			return
		}
		statusFrame, err := frame.NewUserStatusFrame(p.Email, p.Online)
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to build user_status frame")
			return
		}
		h.localBroadcast(statusFrame)

	default:
		h.log.Warn().Str("event", env.Event).Msg("Received unknown pub/sub event type")
	}
}

// localDeliverMessage sends payload to identity's socket if one is bound on this node. If no socket is bound here,
// the message is dropped silently: the recipient is either attached to a different node (which will handle the same
// published event itself) or not connected anywhere.
func (h *Hub) localDeliverMessage(identity string, payload []byte) {
	sock, ok := h.registry.Get(identity)
	if !ok {
		return
	}
	if err := sock.Send(payload); err != nil {
		h.log.Debug().Err(err).Str("to", identity).Msg("Failed to deliver message to local socket")
	}
}

// localBroadcast sends payload to every socket currently bound on this node, swallowing per-socket send errors so
// one stalled connection cannot abort the fan-out to the rest.
func (h *Hub) localBroadcast(payload []byte) {
	for _, sock := range h.registry.Snapshot() {
		if err := sock.Send(payload); err != nil {
			h.log.Debug().Err(err).Msg("Failed to deliver broadcast frame to local socket")
		}
	}
}

// publishMessage wraps out as a message event and publishes it. If publishing fails or no broker is configured, it
// falls back to local-only delivery so the recipient still gets the message when attached to this node.
func (h *Hub) publishMessage(ctx context.Context, to string, out []byte) {
	if h.broker.Configured() {
		event, err := frame.NewMessageEvent(out)
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to build message event")
			return
		}
		if err := h.broker.Publish(ctx, broker.ChannelMessages, event); err != nil {
			h.log.Warn().Err(err).Msg("Failed to publish message event, falling back to local delivery")
			h.localDeliverMessage(to, out)
		}
		return
	}
	h.localDeliverMessage(to, out)
}

// broadcastPresence performs the local broadcast for identity's transition synchronously, then publishes the
// transition for other nodes to pick up. The local broadcast always runs first and unconditionally, so this node's
// own clients observe the transition without depending on a pub/sub round trip.
func (h *Hub) broadcastPresence(ctx context.Context, identity string, online bool) {
	statusFrame, err := frame.NewUserStatusFrame(identity, online)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build user_status frame")
		return
	}
	h.localBroadcast(statusFrame)

	if !h.broker.Configured() {
		return
	}
	event, err := frame.NewPresenceEvent(h.nodeID, identity, online)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build presence event")
		return
	}
	if err := h.broker.Publish(ctx, broker.ChannelPresence, event); err != nil {
		h.log.Warn().Err(err).Msg("Failed to publish presence event")
	}
}

// onlineIdentities returns the set of currently online identities for a user_list frame: the broker's fleet-wide
// online set when a broker is configured, otherwise this node's own local identities.
func (h *Hub) onlineIdentities(ctx context.Context) ([]string, error) {
	if h.presence.Configured() {
		return h.presence.OnlineIdentities(ctx)
	}
	return h.registry.LocalIdentities(), nil
}

// Shutdown closes every locally attached socket. It does not wait for their read loops to unwind; callers that need
// a bounded shutdown should pair this with their own timeout.
func (h *Hub) Shutdown() {
	for _, sock := range h.registry.Snapshot() {
		sock.Close(1001, "server shutting down")
	}
}

// ClientCount returns the number of sockets currently bound on this node.
func (h *Hub) ClientCount() int {
	return h.registry.Len()
}
