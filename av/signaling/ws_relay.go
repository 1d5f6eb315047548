package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/callsession/limits"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// WSRelay is a Relay backed by a websocket connection to a Hub.
type WSRelay struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	next     int
	handlers map[string]map[int]Handler

	closeOnce sync.Once
	done      chan struct{}
}

// DialWS connects to the hub at url. A non-empty token is sent as a bearer
// Authorization header.
func DialWS(ctx context.Context, url, token string) (*WSRelay, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DialWS",
			"url":      url,
			"error":    err.Error(),
		}).Error("Failed to connect to signaling hub")
		return nil, fmt.Errorf("dial signaling hub: %w", err)
	}
	conn.SetReadLimit(limits.MaxRelayFrame)

	r := &WSRelay{
		conn:     conn,
		handlers: make(map[string]map[int]Handler),
		done:     make(chan struct{}),
	}
	go r.readPump()

	logrus.WithFields(logrus.Fields{
		"function": "DialWS",
		"url":      url,
	}).Info("Connected to signaling hub")
	return r, nil
}

// Done is closed when the connection ends.
func (r *WSRelay) Done() <-chan struct{} {
	return r.done
}

// Send implements Relay.
func (r *WSRelay) Send(ctx context.Context, channel string, env Envelope) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	return r.write(ctx, frame{Op: opPublish, Channel: channel, Envelope: &env})
}

// Subscribe implements Relay.
func (r *WSRelay) Subscribe(channel string, handler Handler) (func(), error) {
	if channel == "" {
		return nil, ErrEmptyChannel
	}

	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return nil, ErrRelayClosed
	default:
	}
	first := len(r.handlers[channel]) == 0
	if first {
		r.handlers[channel] = make(map[int]Handler)
	}
	id := r.next
	r.next++
	r.handlers[channel][id] = handler
	r.mu.Unlock()

	if first {
		if err := r.write(context.Background(), frame{Op: opSubscribe, Channel: channel}); err != nil {
			r.remove(channel, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if r.remove(channel, id) {
				_ = r.write(context.Background(), frame{Op: opUnsubscribe, Channel: channel})
			}
		})
	}, nil
}

// remove deletes a handler and reports whether the channel has no handlers left.
func (r *WSRelay) remove(channel string, id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	handlers, ok := r.handlers[channel]
	if !ok {
		return false
	}
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(r.handlers, channel)
		return true
	}
	return false
}

func (r *WSRelay) write(ctx context.Context, f frame) error {
	select {
	case <-r.done:
		return ErrRelayClosed
	default:
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (r *WSRelay) readPump() {
	defer r.shutdown()

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function": "WSRelay.readPump",
					"error":    err.Error(),
				}).Warn("Signaling connection closed unexpectedly")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Op != opPublish || f.Envelope == nil {
			logrus.WithFields(logrus.Fields{
				"function": "WSRelay.readPump",
				"op":       f.Op,
			}).Debug("Ignoring malformed frame")
			continue
		}
		if err := f.Envelope.Validate(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WSRelay.readPump",
				"channel":  f.Channel,
				"error":    err.Error(),
			}).Debug("Ignoring invalid envelope")
			continue
		}

		r.mu.Lock()
		handlers := make([]Handler, 0, len(r.handlers[f.Channel]))
		for _, h := range r.handlers[f.Channel] {
			handlers = append(handlers, h)
		}
		r.mu.Unlock()

		for _, h := range handlers {
			h(*f.Envelope)
		}
	}
}

func (r *WSRelay) shutdown() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		close(r.done)
		r.handlers = make(map[string]map[int]Handler)
		r.mu.Unlock()
		_ = r.conn.Close()
	})
}

// Close sends a close frame and releases the connection.
func (r *WSRelay) Close() error {
	r.writeMu.Lock()
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	r.writeMu.Unlock()
	r.shutdown()
	return nil
}
