package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// upstreamSession is the surface of the AI collaborator the forwarding
// loops rely on. *GeminiSession implements it; tests use a scripted fake.
type upstreamSession interface {
	SendMedia(data []byte, mimeType string) error
	SendAudio(data []byte, mimeType string) error
	SendText(text string, turnComplete bool) error
	EndAudioStream() error
	Receive(ctx context.Context) (*Fragment, error)
	Close() error
}

// dialFunc opens the upstream session for one source connection.
type dialFunc func(ctx context.Context) (upstreamSession, error)

// Bridge owns the process-scoped proxy state: admission gate, command
// queue, viewer registry, frame cache, metrics and the upstream dialer.
// There is exactly one Bridge per process, constructed in main.
type Bridge struct {
	gate     *Gate
	queue    *CommandQueue
	registry *Registry
	frames   *FrameCache
	metrics  *Metrics
	dial     dialFunc
	logger   *zap.Logger

	credentialed bool
}

func NewBridge(cfg *Config, frames *FrameCache, metrics *Metrics, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	gcfg := GeminiConfig{
		APIKey:            cfg.GeminiAPIKey,
		Model:             cfg.GeminiModel,
		Voice:             cfg.GeminiVoice,
		SystemInstruction: cfg.SystemInstruction,
	}
	return &Bridge{
		gate:     &Gate{},
		queue:    NewCommandQueue(),
		registry: NewRegistry(metrics, logger),
		frames:   frames,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "bridge")),
		dial: func(ctx context.Context) (upstreamSession, error) {
			return DialGemini(ctx, gcfg, logger)
		},
		credentialed: cfg.GeminiAPIKey != "",
	}
}

// runSource drives one source connection through its whole lifecycle:
// admission, upstream handshake, the three forwarding loops, teardown. It
// returns when the session is fully torn down.
func (b *Bridge) runSource(ctx context.Context, src *client) {
	src.logger.Info("source connected")

	if !b.credentialed {
		src.Send(errorEvent(msgNoAPIKey))
		src.Close()
		return
	}

	if !b.gate.TryAcquire() {
		b.metrics.AdmissionRejects.Inc()
		src.logger.Info("source rejected, session already active")
		src.Send(errorEvent(msgSourceActive))
		src.Close()
		return
	}

	// Every exit path below must close the upstream session once, close
	// the source socket, release the gate, and tell viewers exactly once.
	var upstream upstreamSession
	defer func() {
		if upstream != nil {
			upstream.Close()
		}
		src.Close()
		b.gate.Release()
		b.registry.Broadcast(Event{Type: eventSourceDisconnected})
		src.logger.Info("source session closed")
	}()

	upstream, err := b.dial(ctx)
	if err != nil {
		b.logger.Error("upstream handshake failed", zap.Error(err))
		b.metrics.SessionTeardowns.WithLabelValues("upstream_error").Inc()
		src.Send(errorEvent(err.Error()))
		return
	}

	b.metrics.SessionsStarted.Inc()
	started := Event{Type: eventSessionStarted}
	src.Send(started)
	b.registry.Broadcast(started)

	cause := b.runLoops(ctx, src, upstream)
	kind, quiet := classifyCause(cause)
	b.metrics.SessionTeardowns.WithLabelValues(kind).Inc()
	if quiet {
		src.logger.Info("source session ending", zap.String("cause", kind))
		return
	}
	b.logger.Error("source session failed", zap.Error(cause))
	src.Send(errorEvent(cause.Error()))
}

// runLoops races the three forwarding loops. The first loop to return
// decides the session's fate: its error is the authoritative cause, the
// group context cancels the other two, and their cancellation-induced
// errors are never reported.
func (b *Bridge) runLoops(ctx context.Context, src *client, up upstreamSession) error {
	g, gctx := errgroup.WithContext(ctx)
	inbound := src.readLoop()

	g.Go(func() error { return b.forwardSource(gctx, inbound, up) })
	g.Go(func() error { return b.forwardCommands(gctx, up) })
	g.Go(func() error { return b.forwardUpstream(gctx, src, up) })

	return g.Wait()
}

// classifyCause maps a session-ending error to a teardown cause label and
// whether the teardown is a normal, silent one.
func classifyCause(err error) (kind string, quiet bool) {
	switch {
	case err == nil:
		return "clean", true
	case errors.Is(err, errSourceClosed):
		return "peer_disconnect", true
	case errors.Is(err, errUpstreamClosed):
		return "upstream_closed", true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled", true
	default:
		return "error", false
	}
}

// forwardSource relays decoded source messages into the upstream session.
// Malformed payloads are session-fatal; unknown message types are skipped
// so newer source clients keep working.
func (b *Bridge) forwardSource(ctx context.Context, inbound <-chan []byte, up upstreamSession) error {
	for {
		select {
		case raw, ok := <-inbound:
			if !ok {
				return errSourceClosed
			}
			var msg InboundMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				return fmt.Errorf("decode source message: %w", err)
			}

			switch msg.Type {
			case messageVideo:
				frame, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					return fmt.Errorf("decode video payload: %w", err)
				}
				b.frames.Update(frame)
				b.metrics.FramesReceived.Inc()
				if err := up.SendMedia(frame, mimeJPEG); err != nil {
					return err
				}
			case messageAudio:
				chunk, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					return fmt.Errorf("decode audio payload: %w", err)
				}
				if err := up.SendAudio(chunk, mimePCM16k); err != nil {
					return err
				}
			case messageText:
				if err := up.SendText(msg.Text, true); err != nil {
					return err
				}
			case messageEndAudioStream:
				if err := up.EndAudioStream(); err != nil {
					return err
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// forwardCommands drains the viewer command queue into the upstream
// session, preserving FIFO order.
func (b *Bridge) forwardCommands(ctx context.Context, up upstreamSession) error {
	for {
		cmd, err := b.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		switch cmd.Kind {
		case commandText:
			text := strings.TrimSpace(cmd.Text)
			if text == "" {
				continue
			}
			if err := up.SendText(text, true); err != nil {
				return err
			}
		case commandEndAudio:
			if err := up.EndAudioStream(); err != nil {
				return err
			}
		}
	}
}

// forwardUpstream mirrors upstream fragments to the source connection and
// every registered viewer. Exactly one event per fragment, audio first.
func (b *Bridge) forwardUpstream(ctx context.Context, src *client, up upstreamSession) error {
	for {
		frag, err := up.Receive(ctx)
		if err != nil {
			return err
		}

		var ev Event
		switch {
		case len(frag.Audio) > 0:
			ev = Event{Type: eventAudio, Data: base64.StdEncoding.EncodeToString(frag.Audio)}
		case frag.Text != "":
			ev = Event{Type: eventText, Text: frag.Text}
		case frag.Interrupted:
			ev = Event{Type: eventInterrupted}
		case frag.TurnComplete:
			ev = Event{Type: eventTurnComplete}
		default:
			continue
		}

		if err := src.Send(ev); err != nil {
			return err
		}
		b.registry.Broadcast(ev)
	}
}

// runViewer handles one viewer connection for its whole lifetime. Viewers
// come and go independently of any source session.
func (b *Bridge) runViewer(conn wsConn) {
	v := newClient(conn, roleViewer, b.logger)
	b.registry.Register(v)
	defer func() {
		b.registry.Unregister(v)
		v.Close()
		v.logger.Info("viewer disconnected")
	}()
	v.logger.Info("viewer connected")

	v.Send(Event{Type: eventViewerConnected})

	for {
		raw, err := v.ReadMessage()
		if err != nil {
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Malformed viewer JSON is dropped, not fatal.
			continue
		}

		switch msg.Type {
		case messageText:
			text := strings.TrimSpace(msg.Text)
			if text == "" {
				continue
			}
			if !b.gate.Active() {
				v.Send(errorEvent(msgNoSource))
				continue
			}
			b.queue.Enqueue(Command{Kind: commandText, Text: text})

		case messageEndAudioStream:
			if b.gate.Active() {
				b.queue.Enqueue(Command{Kind: commandEndAudio})
			}
		}
	}
}
