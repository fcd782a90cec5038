package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const geminiLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// MIME types declared on forwarded media, matching what the source client
// actually produces.
const (
	mimeJPEG   = "image/jpeg"
	mimePCM16k = "audio/pcm;rate=16000"
)

const setupTimeout = 15 * time.Second

var errUpstreamClosed = errors.New("upstream stream ended")

// GeminiConfig carries the per-session Live API settings.
type GeminiConfig struct {
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string

	// Endpoint overrides the Live API URL; tests point it at a local server.
	Endpoint string
}

// Client → server messages of the BidiGenerateContent protocol.

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model             string           `json:"model"`
	GenerationConfig  generationConfig `json:"generationConfig"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks    []inlineData `json:"mediaChunks,omitempty"`
	AudioStreamEnd bool         `json:"audioStreamEnd,omitempty"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// Server → client messages. Unknown fields are ignored.

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
}

type serverContent struct {
	ModelTurn    *content `json:"modelTurn,omitempty"`
	Interrupted  bool     `json:"interrupted,omitempty"`
	TurnComplete bool     `json:"turnComplete,omitempty"`
}

// Fragment is one unit of a streamed upstream response: a chunk of model
// audio, a chunk of model text, or a control signal.
type Fragment struct {
	Audio        []byte
	Text         string
	Interrupted  bool
	TurnComplete bool
}

// GeminiSession is one duplex Live API conversation. Sends are serialized
// with a mutex because two forwarding loops share the session; receives are
// decoupled from the socket by a background read loop.
type GeminiSession struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	frags   chan Fragment
	done    chan struct{} // closed when the read loop exits
	stop    chan struct{} // closed by Close
	readErr error         // set before done closes

	closeOnce sync.Once
}

// DialGemini connects to the Live API, performs the setup handshake and
// starts the read loop. It retries the dial with exponential backoff.
func DialGemini(ctx context.Context, cfg GeminiConfig, logger *zap.Logger) (*GeminiSession, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "gemini_live"))

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = geminiLiveURL
	}
	target := endpoint + "?key=" + url.QueryEscape(cfg.APIKey)

	var conn *websocket.Conn
	var err error

	backoff := time.Second
	for attempt := 0; attempt < 3; attempt++ {
		dialer := websocket.Dialer{}
		conn, _, err = dialer.DialContext(ctx, target, nil)
		if err == nil {
			break
		}
		logger.Warn("gemini dial failed, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to gemini live: %w", err)
	}

	setup := setupMessage{Setup: setupPayload{
		Model: "models/" + cfg.Model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{
				VoiceConfig: voiceConfig{
					PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
				},
			},
		},
		SystemInstruction: &content{
			Parts: []part{{Text: cfg.SystemInstruction}},
		},
	}}
	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send gemini setup: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(setupTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read gemini setup response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var ack serverMessage
	if err := json.Unmarshal(raw, &ack); err != nil || ack.SetupComplete == nil {
		conn.Close()
		return nil, fmt.Errorf("unexpected gemini setup response: %s", raw)
	}

	logger.Info("gemini live session opened", zap.String("model", cfg.Model))

	s := &GeminiSession{
		conn:   conn,
		logger: logger,
		frags:  make(chan Fragment, 32),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *GeminiSession) readLoop() {
	defer close(s.done)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.readErr = errUpstreamClosed
			} else {
				select {
				case <-s.stop:
					s.readErr = errUpstreamClosed
				default:
					s.readErr = fmt.Errorf("gemini read: %w", err)
				}
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("unparseable gemini message", zap.Error(err))
			continue
		}

		for _, frag := range decodeServerMessage(&msg, s.logger) {
			select {
			case s.frags <- frag:
			case <-s.stop:
				return
			}
		}
	}
}

// decodeServerMessage splits one server message into fragments: one per
// media or text part, plus control fragments for interruption and turn
// completion.
func decodeServerMessage(msg *serverMessage, logger *zap.Logger) []Fragment {
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}

	var frags []Fragment
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					logger.Warn("undecodable gemini audio part", zap.Error(err))
					continue
				}
				frags = append(frags, Fragment{Audio: audio})
			} else if p.Text != "" {
				frags = append(frags, Fragment{Text: p.Text})
			}
		}
	}
	if sc.Interrupted {
		frags = append(frags, Fragment{Interrupted: true})
	}
	if sc.TurnComplete {
		frags = append(frags, Fragment{TurnComplete: true})
	}
	return frags
}

// Receive blocks until the next upstream fragment, ctx cancellation, or the
// end of the upstream stream.
func (s *GeminiSession) Receive(ctx context.Context) (*Fragment, error) {
	select {
	case frag := <-s.frags:
		return &frag, nil
	case <-s.done:
		// Drain fragments decoded before the read loop exited.
		select {
		case frag := <-s.frags:
			return &frag, nil
		default:
		}
		if s.readErr != nil {
			return nil, s.readErr
		}
		return nil, errUpstreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *GeminiSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.stop:
		return errUpstreamClosed
	default:
	}
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("gemini write: %w", err)
	}
	return nil
}

// SendMedia forwards one encoded media frame, e.g. a JPEG still.
func (s *GeminiSession) SendMedia(data []byte, mimeType string) error {
	return s.writeJSON(realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []inlineData{{
			MimeType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(data),
		}},
	}})
}

// SendAudio forwards one chunk of streamed input audio.
func (s *GeminiSession) SendAudio(data []byte, mimeType string) error {
	return s.writeJSON(realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []inlineData{{
			MimeType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(data),
		}},
	}})
}

// SendText submits a user text turn.
func (s *GeminiSession) SendText(text string, turnComplete bool) error {
	return s.writeJSON(clientContentMessage{ClientContent: clientContent{
		Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: turnComplete,
	}})
}

// EndAudioStream signals that the input audio stream is finished.
func (s *GeminiSession) EndAudioStream() error {
	return s.writeJSON(realtimeInputMessage{RealtimeInput: realtimeInput{
		AudioStreamEnd: true,
	}})
}

// Close tears the session down. Idempotent; it unblocks the read loop and
// any pending Receive.
func (s *GeminiSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.conn.Close()
	})
	return nil
}
