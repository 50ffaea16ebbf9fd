package hub

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/chatrelay/chathub/internal/auth"
	"github.com/chatrelay/chathub/internal/broker"
	"github.com/chatrelay/chathub/internal/frame"
	"github.com/chatrelay/chathub/internal/presence"
	"github.com/chatrelay/chathub/internal/registry"
)

const testSecret = "a-secret-that-is-at-least-32-characters-long"

func signToken(t *testing.T, email string) string {
	t.Helper()
	claims := jwt.MapClaims{}
	if email != "" {
		claims["email"] = email
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// fakeConn is an in-memory stand-in for transport.Conn.
type fakeConn struct {
	inbox  chan []byte
	outbox chan []byte

	closeOnce   sync.Once
	closed      chan struct{}
	closeCode   int
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 8),
		outbox: make(chan []byte, 8),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	select {
	case c.outbox <- payload:
	default:
	}
	return nil
}

func (c *fakeConn) Recv() ([]byte, error) {
	select {
	case b := <-c.inbox:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closed)
	})
}

func (c *fakeConn) push(payload []byte) { c.inbox <- payload }

func (c *fakeConn) recvFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case raw := <-c.outbox:
		var out map[string]any
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal outbound frame: %v", err)
		}
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func newTestHub(t *testing.T, rdb *redis.Client) *Hub {
	return newNamedTestHub(t, rdb, "node-test")
}

func newNamedTestHub(t *testing.T, rdb *redis.Client, nodeID string) *Hub {
	t.Helper()
	var b *broker.Broker
	var err error
	ctx := context.Background()
	if rdb != nil {
		b, err = broker.Connect(ctx, "redis://"+rdb.Options().Addr, time.Second, 1, time.Millisecond, true, zerolog.Nop())
	} else {
		b, err = broker.Connect(ctx, "", time.Second, 1, time.Millisecond, false, zerolog.Nop())
	}
	if err != nil {
		t.Fatalf("broker.Connect() error = %v", err)
	}
	return New(nodeID, auth.NewVerifier(testSecret), registry.New(), presence.NewCounter(b.Client()), b, 100*time.Millisecond, zerolog.Nop())
}

func TestHappyLogin_SelfEchoAndUserList(t *testing.T) {
	h := newTestHub(t, nil)
	conn := newFakeConn()

	done := make(chan struct{})
	go func() {
		h.ServeConn(context.Background(), conn, signToken(t, "alice@x"))
		close(done)
	}()

	status := conn.recvFrame(t)
	if status["type"] != frame.TypeUserStatus || status["email"] != "alice@x" || status["online"] != true {
		t.Errorf("first frame = %+v, want self user_status online", status)
	}

	list := conn.recvFrame(t)
	if list["type"] != frame.TypeUserList {
		t.Fatalf("second frame type = %v, want user_list", list["type"])
	}
	users, _ := list["users"].([]any)
	if len(users) != 1 {
		t.Fatalf("user_list has %d entries, want 1 (self)", len(users))
	}

	conn.Close(1000, "test done")
	<-done
}

func TestMissingToken_Timeout(t *testing.T) {
	h := newTestHub(t, nil)
	h.authWait = 30 * time.Millisecond
	conn := newFakeConn()

	done := make(chan struct{})
	go func() {
		h.ServeConn(context.Background(), conn, "")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after the auth timeout")
	}

	if conn.closeCode != CloseMissingToken {
		t.Errorf("close code = %d, want %d", conn.closeCode, CloseMissingToken)
	}
}

func TestEviction_ClosesPriorWithCode4000(t *testing.T) {
	h := newTestHub(t, nil)
	first := newFakeConn()
	second := newFakeConn()

	firstDone := make(chan struct{})
	go func() {
		h.ServeConn(context.Background(), first, signToken(t, "alice@x"))
		close(firstDone)
	}()
	first.recvFrame(t) // self status
	first.recvFrame(t) // user_list

	secondDone := make(chan struct{})
	go func() {
		h.ServeConn(context.Background(), second, signToken(t, "alice@x"))
		close(secondDone)
	}()

	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("evicted connection's ServeConn did not return")
	}
	if first.closeCode != CloseEvicted || first.closeReason != "New connection" {
		t.Errorf("eviction close = %d/%q, want %d/%q", first.closeCode, first.closeReason, CloseEvicted, "New connection")
	}

	second.Close(1000, "test done")
	<-secondDone
}

func TestDirectMessage_DeliversToRecipientAndDropsUnknown(t *testing.T) {
	h := newTestHub(t, nil)
	alice := newFakeConn()
	bob := newFakeConn()

	aliceDone := make(chan struct{})
	go func() {
		h.ServeConn(context.Background(), alice, signToken(t, "alice@x"))
		close(aliceDone)
	}()
	alice.recvFrame(t)
	alice.recvFrame(t)

	bobDone := make(chan struct{})
	go func() {
		h.ServeConn(context.Background(), bob, signToken(t, "bob@x"))
		close(bobDone)
	}()
	bob.recvFrame(t) // bob's own online status
	bob.recvFrame(t) // bob's user_list
	alice.recvFrame(t) // alice observes bob's online transition

	msg, _ := json.Marshal(frame.MessageIn{Type: frame.TypeMessage, To: "nobody@x", Content: "hello?"})
	alice.push(msg)

	select {
	case raw := <-bob.outbox:
		t.Fatalf("bob should not receive a message addressed to an unknown recipient, got %s", raw)
	case <-time.After(100 * time.Millisecond):
	}

	msg2, _ := json.Marshal(frame.MessageIn{Type: frame.TypeMessage, To: "bob@x", Content: "  hi bob  "})
	alice.push(msg2)

	delivered := bob.recvFrame(t)
	if delivered["type"] != frame.TypeMessage || delivered["from"] != "alice@x" || delivered["content"] != "hi bob" {
		t.Errorf("delivered message = %+v", delivered)
	}

	alice.Close(1000, "done")
	bob.Close(1000, "done")
	<-aliceDone
	<-bobDone
}

func TestCrossNodePresence_PropagatesViaBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdbA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdbA.Close(); _ = rdbB.Close() })

	hubA := newNamedTestHub(t, rdbA, "node-a")
	hubB := newNamedTestHub(t, rdbB, "node-b")

	go func() { _ = hubA.Run(ctx) }()
	go func() { _ = hubB.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	// alice connects to node A first, so her local registry is already populated when bob's presence event
	// arrives over the broker.
	aliceOnNodeA := newFakeConn()
	aliceDone := make(chan struct{})
	go func() {
		hubA.ServeConn(ctx, aliceOnNodeA, signToken(t, "alice@x"))
		close(aliceDone)
	}()
	aliceOnNodeA.recvFrame(t) // alice's own status, local
	aliceOnNodeA.recvFrame(t) // alice's user_list

	bobOnNodeB := newFakeConn()
	bobDone := make(chan struct{})
	go func() {
		hubB.ServeConn(ctx, bobOnNodeB, signToken(t, "bob@x"))
		close(bobDone)
	}()
	bobOnNodeB.recvFrame(t)
	bobOnNodeB.recvFrame(t)

	status := aliceOnNodeA.recvFrame(t) // bob's transition, arrived via the broker from node B
	if status["type"] != frame.TypeUserStatus || status["email"] != "bob@x" || status["online"] != true {
		t.Errorf("cross-node presence frame = %+v", status)
	}

	bobOnNodeB.Close(1000, "done")
	aliceOnNodeA.Close(1000, "done")
	<-bobDone
	<-aliceDone
}

func TestBrokerOutage_FallsBackToLocalDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	h := newTestHub(t, rdb)

	alice := newFakeConn()
	bob := newFakeConn()

	aliceDone := make(chan struct{})
	go func() {
		h.ServeConn(ctx, alice, signToken(t, "alice@x"))
		close(aliceDone)
	}()
	alice.recvFrame(t)
	alice.recvFrame(t)

	bobDone := make(chan struct{})
	go func() {
		h.ServeConn(ctx, bob, signToken(t, "bob@x"))
		close(bobDone)
	}()
	bob.recvFrame(t)
	bob.recvFrame(t)
	alice.recvFrame(t) // bob's online transition

	mr.Close() // simulate the broker dropping out from under the hub

	msg, _ := json.Marshal(frame.MessageIn{Type: frame.TypeMessage, To: "bob@x", Content: "still here?"})
	alice.push(msg)

	delivered := bob.recvFrame(t)
	if delivered["type"] != frame.TypeMessage || delivered["content"] != "still here?" {
		t.Errorf("delivered message after broker outage = %+v", delivered)
	}

	alice.Close(1000, "done")
	bob.Close(1000, "done")
	<-aliceDone
	<-bobDone
}
