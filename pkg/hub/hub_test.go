package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/cyclone-radio/cyclone/pkg/trunk"
)

func TestPublishOrdering(t *testing.T) {
	h := New(16, zerolog.Nop())
	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		h.Publish(Event{Type: EventCallAudio, Payload: i})
	}

	for i := 0; i < 10; i++ {
		evt := <-sub.Events()
		if evt.Payload.(int) != i {
			t.Fatalf("event %d carried payload %v", i, evt.Payload)
		}
	}
	if sub.Lagging() {
		t.Fatal("subscriber marked lagging without overflow")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	h := New(4, zerolog.Nop())
	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	// Nobody reads; publishing far past the queue size must still return
	// promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(Event{Type: EventCallAudio, Payload: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if !sub.Lagging() {
		t.Fatal("overflowed subscriber not marked lagging")
	}
	if h.Dropped() == 0 {
		t.Fatal("no drops recorded despite overflow")
	}

	// The subscriber stays connected and sees the newest events, not the
	// oldest.
	evt := <-sub.Events()
	if evt.Payload.(int) < 4 {
		t.Fatalf("expected oldest events dropped, got payload %v", evt.Payload)
	}
}

func TestSlowSubscriberDoesNotStarveOthers(t *testing.T) {
	h := New(4, zerolog.Nop())
	slow := h.Subscribe()
	fast := h.Subscribe()
	defer h.Unsubscribe(slow)
	defer h.Unsubscribe(fast)

	received := make(chan int, 100)
	go func() {
		for evt := range fast.Events() {
			received <- evt.Payload.(int)
		}
	}()

	for i := 0; i < 100; i++ {
		h.Publish(Event{Type: EventCallAudio, Payload: i})
	}

	deadline := time.After(2 * time.Second)
	for i := 0; i < 100; i++ {
		select {
		case got := <-received:
			if got != i {
				t.Fatalf("fast subscriber saw %d at position %d", got, i)
			}
		case <-deadline:
			t.Fatalf("fast subscriber stalled at event %d", i)
		}
	}
	if fast.Lagging() {
		t.Fatal("fast subscriber marked lagging")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := New(4, zerolog.Nop())
	sub := h.Subscribe()
	h.Unsubscribe(sub)

	if _, ok := <-sub.Events(); ok {
		t.Fatal("events channel open after unsubscribe")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers = %d", h.Subscribers())
	}
	// Publishing after the last unsubscribe is a no-op.
	h.Publish(Event{Type: EventCallEnded})
}

type fakeController struct {
	freq    int
	setErr  error
	lastSet int
}

func (f *fakeController) SetControlFreq(ctx context.Context, freq int) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.lastSet = freq
	f.freq = freq
	return nil
}

func (f *fakeController) Status(ctx context.Context) (trunk.Status, error) {
	return trunk.Status{State: "following_control", ControlFreq: f.freq}, nil
}

func testServer(h *Hub, ctl Controller) *Server {
	return NewServer("127.0.0.1:0", h, ctl, zerolog.Nop())
}

func (s *Server) testRouter() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/ctlfreq", s.handleGetCtlFreq)
	router.HandlerFunc(http.MethodPut, "/ctlfreq", s.handlePutCtlFreq)
	router.HandlerFunc(http.MethodGet, "/status", s.handleStatus)
	router.HandlerFunc(http.MethodGet, "/subscribe", s.handleSubscribe)
	return router
}

func TestCtlFreqRoundTrip(t *testing.T) {
	h := New(4, zerolog.Nop())
	ctl := &fakeController{freq: 851012500}
	srv := httptest.NewServer(testServer(h, ctl).testRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ctlfreq")
	if err != nil {
		t.Fatal(err)
	}
	var body ctlFreqBody
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if body.Frequency != 851012500 {
		t.Fatalf("frequency = %d", body.Frequency)
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/ctlfreq", strings.NewReader(`{"frequency":852037500}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ctl.lastSet != 852037500 {
		t.Fatalf("controller received %d", ctl.lastSet)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h := New(4, zerolog.Nop())
	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	srv := httptest.NewServer(testServer(h, &fakeController{freq: 851012500}).testRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body statusBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Tracker.State != "following_control" {
		t.Fatalf("state = %q", body.Tracker.State)
	}
	if body.Subscribers != 1 {
		t.Fatalf("subscribers = %d", body.Subscribers)
	}
}

func TestSubscribeStreamsEvents(t *testing.T) {
	h := New(4, zerolog.Nop())
	srv := httptest.NewServer(testServer(h, &fakeController{}).testRouter())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/subscribe", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Wait for the handler to register its subscription before publishing.
	deadline := time.Now().Add(time.Second)
	for h.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Publish(Event{Type: EventCallStarted, Payload: CallStartedPayload{CallID: "abc", Talkgroup: 100}})

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	chunk := string(buf[:n])
	if !strings.Contains(chunk, "event: call_started") {
		t.Fatalf("stream chunk %q missing event line", chunk)
	}
	if !strings.Contains(chunk, `"talkgroup":100`) {
		t.Fatalf("stream chunk %q missing payload", chunk)
	}
}
