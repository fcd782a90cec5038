package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn is an in-memory wsConn. Reads block on the inbound channel;
// writes are decoded into events and recorded.
type fakeConn struct {
	inbound chan []byte

	mu         sync.Mutex
	events     []Event
	failWrites bool
	writeGate  chan struct{} // when non-nil, writes block until it yields

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	gate := f.writeGate
	fail := f.failWrites
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-f.closed:
			return net.ErrClosed
		}
	}
	if fail {
		return errors.New("write to broken conn")
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) breakWrites() {
	f.mu.Lock()
	f.failWrites = true
	f.mu.Unlock()
}

// push delivers a raw inbound payload to the connection's reader.
func (f *fakeConn) push(raw string) {
	f.inbound <- []byte(raw)
}

// disconnect simulates the peer hanging up.
func (f *fakeConn) disconnect() {
	close(f.inbound)
}

func (f *fakeConn) countEvents(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (f *fakeConn) waitForEvent(t *testing.T, typ string) Event {
	t.Helper()
	var got Event
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, ev := range f.events {
			if ev.Type == typ {
				got = ev
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no %q event arrived", typ)
	return got
}

type fakeBlob struct {
	data []byte
	mime string
}

type fakeText struct {
	text  string
	final bool
}

// fakeUpstream is a scripted upstream session.
type fakeUpstream struct {
	mu         sync.Mutex
	media      []fakeBlob
	audio      []fakeBlob
	texts      []fakeText
	endAudio   int
	closeCount int
	sendErr    error

	frags chan Fragment
	errc  chan error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		frags: make(chan Fragment, 16),
		errc:  make(chan error, 1),
	}
}

func (f *fakeUpstream) SendMedia(data []byte, mimeType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, fakeBlob{data: data, mime: mimeType})
	return f.sendErr
}

func (f *fakeUpstream) SendAudio(data []byte, mimeType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, fakeBlob{data: data, mime: mimeType})
	return f.sendErr
}

func (f *fakeUpstream) SendText(text string, turnComplete bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, fakeText{text: text, final: turnComplete})
	return f.sendErr
}

func (f *fakeUpstream) EndAudioStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endAudio++
	return f.sendErr
}

func (f *fakeUpstream) Receive(ctx context.Context) (*Fragment, error) {
	select {
	case frag := <-f.frags:
		return &frag, nil
	case err := <-f.errc:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	return nil
}

func (f *fakeUpstream) pushFragment(frag Fragment) {
	f.frags <- frag
}

func (f *fakeUpstream) failReceive(err error) {
	f.errc <- err
}

func (f *fakeUpstream) sentTexts() []fakeText {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeText, len(f.texts))
	copy(out, f.texts)
	return out
}

func (f *fakeUpstream) sentMedia() []fakeBlob {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeBlob, len(f.media))
	copy(out, f.media)
	return out
}

func (f *fakeUpstream) sentAudio() []fakeBlob {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeBlob, len(f.audio))
	copy(out, f.audio)
	return out
}

func (f *fakeUpstream) endAudioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endAudio
}

func (f *fakeUpstream) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

// newTestBridge builds a Bridge with fresh process state and the given
// upstream dialer.
func newTestBridge(t *testing.T, dial dialFunc) *Bridge {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	return &Bridge{
		gate:         &Gate{},
		queue:        NewCommandQueue(),
		registry:     NewRegistry(metrics, zap.NewNop()),
		frames:       NewFrameCache(),
		metrics:      metrics,
		logger:       zap.NewNop(),
		dial:         dial,
		credentialed: true,
	}
}

func dialFake(up *fakeUpstream) dialFunc {
	return func(context.Context) (upstreamSession, error) {
		return up, nil
	}
}
