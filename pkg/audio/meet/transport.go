package meet

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/voximply/gridtalk/pkg/audio"
)

// ParticipantTransport abstracts the media link to a single participant.
// The production implementation is [wsTransport]; tests use [mockTransport].
type ParticipantTransport interface {
	// AudioInput returns the channel delivering audio frames received from this
	// participant. The channel is closed when the link ends.
	AudioInput() <-chan audio.AudioFrame

	// SendAudio sends an audio frame to this participant.
	SendAudio(frame audio.AudioFrame) error

	// Close tears down the media link and releases resources.
	Close() error
}

// wsTransport is a [ParticipantTransport] backed by a WebSocket connection.
// Binary messages carry raw little-endian int16 PCM; the frame format is
// fixed per room at connect time.
type wsTransport struct {
	conn       *websocket.Conn
	sampleRate int
	channels   int

	audioIn  chan audio.AudioFrame
	done     chan struct{}
	readDone chan struct{}
}

func newWSTransport(conn *websocket.Conn, sampleRate, channels int) *wsTransport {
	t := &wsTransport{
		conn:       conn,
		sampleRate: sampleRate,
		channels:   channels,
		audioIn:    make(chan audio.AudioFrame, 64),
		done:       make(chan struct{}),
		readDone:   make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Done returns a channel closed when the socket stops delivering audio,
// whether by client disconnect or by Close.
func (t *wsTransport) Done() <-chan struct{} {
	return t.readDone
}

// readLoop receives binary WebSocket messages and forwards them as audio
// frames until the socket closes. Text messages are ignored.
func (t *wsTransport) readLoop() {
	defer close(t.readDone)
	defer close(t.audioIn)
	start := time.Now()
	for {
		typ, data, err := t.conn.Read(context.Background())
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary || len(data) == 0 {
			continue
		}
		frame := audio.AudioFrame{
			Data:       data,
			SampleRate: t.sampleRate,
			Channels:   t.channels,
			Timestamp:  time.Since(start),
		}
		select {
		case t.audioIn <- frame:
		case <-t.done:
			return
		}
	}
}

// SendAudio writes the frame's PCM bytes as a binary WebSocket message.
func (t *wsTransport) SendAudio(frame audio.AudioFrame) error {
	select {
	case <-t.done:
		return nil
	default:
	}
	return t.conn.Write(context.Background(), websocket.MessageBinary, frame.Data)
}

// AudioInput returns the channel of frames received from the participant.
func (t *wsTransport) AudioInput() <-chan audio.AudioFrame {
	return t.audioIn
}

// Close tears down the WebSocket connection.
func (t *wsTransport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
		close(t.done)
	}
	return t.conn.Close(websocket.StatusNormalClosure, "participant removed")
}

// mockTransport is a [ParticipantTransport] used for testing. It exposes
// channels that tests can write to (simulate participant audio input) and
// read from (verify sent frames).
type mockTransport struct {
	audioIn  chan audio.AudioFrame
	audioOut chan audio.AudioFrame
	closed   chan struct{}
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		audioIn:  make(chan audio.AudioFrame, 16),
		audioOut: make(chan audio.AudioFrame, 16),
		closed:   make(chan struct{}),
	}
}

func (m *mockTransport) AudioInput() <-chan audio.AudioFrame {
	return m.audioIn
}

func (m *mockTransport) SendAudio(frame audio.AudioFrame) error {
	select {
	case m.audioOut <- frame:
	case <-m.closed:
	}
	return nil
}

func (m *mockTransport) Close() error {
	select {
	case <-m.closed:
		// already closed; no-op
	default:
		close(m.closed)
	}
	return nil
}
