package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/careops/worklist/pkg/fhirmodels"
)

// feedServer is a minimal upstream feed: it records subscribe frames and
// lets the test push event frames down the socket.
type feedServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	conns    chan *websocket.Conn
	messages chan clientMessage
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{
		conns:    make(chan *websocket.Conn, 4),
		messages: make(chan clientMessage, 16),
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- ws
		for {
			var msg clientMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			fs.messages <- msg
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *feedServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-fs.conns:
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func (fs *feedServer) message(t *testing.T) clientMessage {
	t.Helper()
	select {
	case msg := <-fs.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no control frame arrived")
		return clientMessage{}
	}
}

func TestDialFailureIsReduced(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:0", "", zerolog.Nop())
	if err == nil {
		t.Fatal("expected dial error")
	}
	if err.Error() != "push channel is unreachable" {
		t.Fatalf("error = %q, want reduced message", err)
	}
}

func TestSubscribeAnnouncesTopic(t *testing.T) {
	fs := newFeedServer(t)
	c, err := Dial(context.Background(), fs.wsURL(), "secret", zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Subscribe("Task", func(fhirmodels.Resource) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	msg := fs.message(t)
	if msg.Action != "subscribe" || len(msg.Topics) != 1 || msg.Topics[0] != "Task" {
		t.Fatalf("control frame = %+v, want subscribe [Task]", msg)
	}
}

func TestDispatchInvokesHandler(t *testing.T) {
	fs := newFeedServer(t)
	c, err := Dial(context.Background(), fs.wsURL(), "", zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	got := make(chan fhirmodels.Resource, 1)
	if _, err := c.Subscribe("Patient", func(r fhirmodels.Resource) {
		got <- r
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	fs.message(t) // drain the subscribe frame

	ws := fs.conn(t)
	frame := `{"type":"resource-changed","resourceType":"Patient","resourceId":"p1","data":{"resourceType":"Patient","id":"p1"}}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case r := <-got:
		if r.ID() != "p1" {
			t.Fatalf("resource id = %q, want p1", r.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestUnsubscribedTypeIsIgnored(t *testing.T) {
	fs := newFeedServer(t)
	c, err := Dial(context.Background(), fs.wsURL(), "", zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	got := make(chan fhirmodels.Resource, 1)
	unsubscribe, err := c.Subscribe("Patient", func(r fhirmodels.Resource) {
		got <- r
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	fs.message(t)
	unsubscribe()
	fs.message(t) // drain the unsubscribe frame

	ws := fs.conn(t)
	frame := `{"type":"resource-changed","resourceType":"Patient","data":{"resourceType":"Patient","id":"p1"}}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case <-got:
		t.Fatal("handler invoked after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPanickingHandlerDoesNotKillReadLoop(t *testing.T) {
	fs := newFeedServer(t)
	c, err := Dial(context.Background(), fs.wsURL(), "", zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Subscribe("Task", func(fhirmodels.Resource) {
		panic("task handler is broken")
	}); err != nil {
		t.Fatalf("subscribe Task: %v", err)
	}
	fs.message(t)

	got := make(chan fhirmodels.Resource, 1)
	if _, err := c.Subscribe("Patient", func(r fhirmodels.Resource) {
		got <- r
	}); err != nil {
		t.Fatalf("subscribe Patient: %v", err)
	}
	fs.message(t)

	ws := fs.conn(t)
	frames := []string{
		`{"type":"resource-changed","resourceType":"Task","data":{"resourceType":"Task","id":"t1"}}`,
		`{"type":"resource-changed","resourceType":"Patient","data":{"resourceType":"Patient","id":"p1"}}`,
	}
	for _, frame := range frames {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}

	// The Patient frame only arrives if the read loop outlived the panic.
	select {
	case r := <-got:
		if r.ID() != "p1" {
			t.Fatalf("resource id = %q, want p1", r.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read loop died after handler panic")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fs := newFeedServer(t)
	c, err := Dial(context.Background(), fs.wsURL(), "", zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
