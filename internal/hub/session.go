package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/chatrelay/chathub/internal/auth"
	"github.com/chatrelay/chathub/internal/frame"
)

// Conn is the subset of transport.Conn a session needs. Declaring it here keeps the hub package testable without a
// real WebSocket.
type Conn interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close(code int, reason string)
}

// ServeConn runs a single connection's full lifecycle: the AwaitingToken handshake, then the Authenticated read
// loop, then cleanup on close. It blocks until the connection is closed, either by the peer, by eviction, or by a
// protocol violation. queryToken is the token carried in the handshake URL's ?token= parameter, if any; an empty
// string means the client must send an auth frame instead.
func (h *Hub) ServeConn(ctx context.Context, conn Conn, queryToken string) {
	identity, ok := h.awaitAuthentication(conn, queryToken)
	if !ok {
		return
	}

	h.bindAndAnnounce(ctx, conn, identity)
	defer h.unbindAndAnnounce(ctx, conn, identity)

	h.readLoop(ctx, conn, identity)
}

// awaitAuthentication drives the AwaitingToken state. It returns the verified identity and true on success; on any
// failure it sends an error frame, closes the connection with the appropriate code, and returns false.
func (h *Hub) awaitAuthentication(conn Conn, queryToken string) (string, bool) {
	token := queryToken
	if token == "" {
		t, ok := h.awaitAuthFrame(conn)
		if !ok {
			return "", false
		}
		token = t
	}

	identity, err := h.verifier.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrEmailMissing) {
			h.failAuth(conn, CloseInvalidPayload, "Invalid auth payload.")
			return "", false
		}
		h.failAuth(conn, CloseInvalidToken, "Invalid auth token.")
		return "", false
	}
	return identity, true
}

// awaitAuthFrame waits up to the configured timeout for a single inbound frame of type "auth" carrying a token. It
// returns the token and true on success, or sends the appropriate error/close and returns false.
func (h *Hub) awaitAuthFrame(conn Conn) (string, bool) {
	type result struct {
		payload []byte
		err     error
	}
	recvCh := make(chan result, 1)
	go func() {
		payload, err := conn.Recv()
		recvCh <- result{payload, err}
	}()

	select {
	case r := <-recvCh:
		if r.err != nil {
			h.failAuth(conn, CloseMissingToken, "Missing auth token.")
			return "", false
		}

		// A first frame that isn't decodable, or isn't an auth frame carrying a token, is treated the same as no
		// token having arrived at all, rather than as a distinct payload error.
		var env frame.AuthFrame
		if jsonErr := json.Unmarshal(r.payload, &env); jsonErr != nil || env.Type != frame.TypeAuth || env.Token == "" {
			h.failAuth(conn, CloseMissingToken, "Missing auth token.")
			return "", false
		}
		return env.Token, true

	case <-time.After(h.authWait):
		h.failAuth(conn, CloseMissingToken, "Missing auth token.")
		return "", false
	}
}

// failAuth sends an error frame (best-effort) and closes the connection with the given code.
func (h *Hub) failAuth(conn Conn, code int, reason string) {
	if errFrame, err := frame.NewErrorFrame(reason); err == nil {
		_ = conn.Send(errFrame)
	}
	conn.Close(code, reason)
}

// bindAndAnnounce installs the connection in the registry, evicting any prior session for the same identity, then
// increments the presence counter and broadcasts a transition if one occurred, then sends the just-joined socket its
// initial user_list.
func (h *Hub) bindAndAnnounce(ctx context.Context, conn Conn, identity string) {
	if prior, evicted := h.registry.Bind(identity, conn); evicted {
		prior.Close(CloseEvicted, "New connection")
	}

	transitioned, err := h.presence.Increment(ctx, identity)
	if err != nil {
		h.log.Warn().Err(err).Str("identity", identity).Msg("Failed to increment presence counter")
	} else if transitioned {
		h.broadcastPresence(ctx, identity, true)
	}

	online, err := h.onlineIdentities(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to list online identities for user_list")
		online = h.registry.LocalIdentities()
	}
	listFrame, err := frame.NewUserListFrame(online)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build user_list frame")
		return
	}
	_ = conn.Send(listFrame)
}

// unbindAndAnnounce removes conn from the registry iff it is still the current socket for identity, decrements the
// presence counter, and broadcasts a transition if one occurred. It is always run on the way out of ServeConn, no
// matter how the connection ended.
func (h *Hub) unbindAndAnnounce(ctx context.Context, conn Conn, identity string) {
	removed := h.registry.UnbindIfCurrent(identity, conn)
	if !removed {
		return
	}

	transitioned, err := h.presence.Decrement(ctx, identity)
	if err != nil {
		h.log.Warn().Err(err).Str("identity", identity).Msg("Failed to decrement presence counter")
		return
	}
	if transitioned {
		h.broadcastPresence(ctx, identity, false)
	}
}

// readLoop runs the Authenticated state: it reads frames until the connection ends and dispatches each by type.
func (h *Hub) readLoop(ctx context.Context, conn Conn, identity string) {
	for {
		payload, err := conn.Recv()
		if err != nil {
			return
		}
		h.dispatch(ctx, conn, identity, payload)
	}
}

// dispatch handles a single inbound frame. Malformed frames and unknown types produce an error frame without
// closing the connection.
func (h *Hub) dispatch(ctx context.Context, conn Conn, identity string, payload []byte) {
	var env frame.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		h.sendError(conn, "Invalid JSON payload.")
		return
	}

	switch env.Type {
	case frame.TypeMessage:
		h.dispatchMessage(ctx, conn, identity, payload)
	case frame.TypeListUsers:
		h.dispatchListUsers(ctx, conn)
	default:
		h.sendError(conn, "Unsupported message type.")
	}
}

// dispatchMessage validates and delivers a directed message frame.
func (h *Hub) dispatchMessage(ctx context.Context, conn Conn, identity string, payload []byte) {
	var in frame.MessageIn
	if err := json.Unmarshal(payload, &in); err != nil {
		h.sendError(conn, "Invalid message payload.")
		return
	}

	if in.To == "" {
		h.sendError(conn, "Missing recipient.")
		return
	}

	content := strings.TrimSpace(in.Content)
	if content == "" {
		h.sendError(conn, "Message cannot be empty.")
		return
	}

	out, err := frame.NewMessageFrame(identity, in.To, content, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build message frame")
		return
	}
	h.publishMessage(ctx, in.To, out)
}

// dispatchListUsers responds with a fresh user_list snapshot.
func (h *Hub) dispatchListUsers(ctx context.Context, conn Conn) {
	online, err := h.onlineIdentities(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to list online identities")
		online = h.registry.LocalIdentities()
	}
	listFrame, err := frame.NewUserListFrame(online)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build user_list frame")
		return
	}
	_ = conn.Send(listFrame)
}

// sendError writes an error frame to conn without closing the connection.
func (h *Hub) sendError(conn Conn, message string) {
	errFrame, err := frame.NewErrorFrame(message)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to build error frame")
		return
	}
	_ = conn.Send(errFrame)
}
