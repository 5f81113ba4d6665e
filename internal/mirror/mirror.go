// Package mirror republishes the received CAN traffic on MQTT as slcan
// text and optionally accepts slcan command lines from a topic.
package mirror

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-slcan-server/internal/can"
	"github.com/kstaniek/go-slcan-server/internal/hub"
	"github.com/kstaniek/go-slcan-server/internal/logging"
	"github.com/kstaniek/go-slcan-server/internal/metrics"
	"github.com/kstaniek/go-slcan-server/internal/slcan"
)

// ErrKicked is returned by Run when the hub dropped the mirror for being slow.
var ErrKicked = errors.New("mirror: kicked by hub")

// Broker is the message bus the mirror talks to.
type Broker interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, fn func(payload []byte)) error
	Close()
}

// Topic suffixes under Mirror.Topic.
const (
	SuffixRX    = "/rx"
	SuffixCmd   = "/cmd"
	SuffixReply = "/reply"
)

const defaultClientBuf = 1024

// Mirror publishes every frame the hub broadcasts to Topic+"/rx", one
// message per frame, terminator stripped. With Handler set, payloads on
// Topic+"/cmd" are executed as slcan lines and replies go to Topic+"/reply".
type Mirror struct {
	Broker  Broker
	Topic   string
	Codec   slcan.Codec
	Hub     *hub.Hub
	Handler *slcan.Handler
	Logger  *slog.Logger
}

// Run mirrors until ctx is done.
func (m *Mirror) Run(ctx context.Context) error {
	l := m.Logger
	if l == nil {
		l = logging.L()
	}
	n := defaultClientBuf
	if m.Hub.OutBufSize > n {
		n = m.Hub.OutBufSize
	}
	cl := hub.NewClient(n)
	m.Hub.Add(cl)
	defer m.Hub.Remove(cl)

	if m.Handler != nil {
		if err := m.subscribeCommands(l); err != nil {
			return err
		}
	}
	l.Info("mirror_start", "topic", m.Topic)
	rx := m.Topic + SuffixRX
	for {
		select {
		case fr := <-cl.Out:
			m.publishFrame(l, rx, fr)
		case <-cl.Closed:
			l.Warn("mirror_kicked")
			return ErrKicked
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Mirror) publishFrame(l *slog.Logger, topic string, fr can.Frame) {
	msg, err := m.Codec.Encode(fr)
	if err != nil {
		l.Debug("mirror_encode_error", "error", err, "frame", fr.String())
		return
	}
	if err := m.Broker.Publish(topic, msg[:len(msg)-1]); err != nil {
		metrics.IncError(metrics.ErrMirrorPublish)
		l.Debug("mirror_publish_error", "error", err)
		return
	}
	metrics.IncMirrored()
}

func (m *Mirror) subscribeCommands(l *slog.Logger) error {
	h := *m.Handler
	h.Out = &replyWriter{broker: m.Broker, topic: m.Topic + SuffixReply}
	var mu sync.Mutex
	return m.Broker.Subscribe(m.Topic+SuffixCmd, func(payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		var split slcan.LineSplitter
		// A message without terminator is still one line.
		payload = append(payload[:len(payload):len(payload)], slcan.Terminator)
		split.Feed(payload, func(line []byte) {
			metrics.IncLine()
			if err := h.HandleLine(line); err != nil {
				metrics.IncRejected(slcan.Reason(err))
				l.Debug("mirror_line_rejected", "line", string(line), "error", err)
			}
		})
	})
}

type replyWriter struct {
	broker Broker
	topic  string
}

func (w *replyWriter) Write(p []byte) (int, error) {
	if err := w.broker.Publish(w.topic, append([]byte(nil), p...)); err != nil {
		metrics.IncError(metrics.ErrMirrorPublish)
		return 0, err
	}
	return len(p), nil
}
