package client

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebSocketConnection is the event stream of one client id. Text frames are
// delivered on Messages; binary frames (sampler previews) are dropped.
// Messages is closed when the connection ends, after which Err reports why.
type WebSocketConnection struct {
	WebSocketURL string
	Conn         *websocket.Conn
	Messages     chan []byte
	MaxRetry     int
	RetryCount   int

	// Exponential backoff configuration
	BaseDelay time.Duration // The initial delay, e.g., 1 second
	MaxDelay  time.Duration // The maximum delay, e.g., 1 minute
	Dialer    websocket.Dialer

	logger    zerolog.Logger
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Connect opens the websocket for this client's id. Failed dials are retried
// with exponential backoff until the client's dial retry count is exhausted or
// ctx is done.
func (c *ComfyClient) Connect(ctx context.Context) (*WebSocketConnection, error) {
	w := &WebSocketConnection{
		WebSocketURL: c.wsURL(),
		Messages:     make(chan []byte, 64),
		MaxRetry:     c.dialRetry,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Dialer:       *websocket.DefaultDialer,
		logger:       c.logger,
		done:         make(chan struct{}),
	}
	if err := w.connect(ctx); err != nil {
		return nil, err
	}
	go w.handleMessages()
	return w, nil
}

func (w *WebSocketConnection) connect(ctx context.Context) error {
	for {
		conn, _, err := w.Dialer.DialContext(ctx, w.WebSocketURL, nil)
		if err == nil {
			w.Conn = conn
			return nil
		}
		w.logger.Warn().Err(err).Str("url", w.WebSocketURL).Int("attempt", w.RetryCount+1).Msg("websocket connection attempt failed")

		if w.RetryCount >= w.MaxRetry {
			return fmt.Errorf("connecting to %s after %d retries: %w", w.WebSocketURL, w.MaxRetry, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.getReconnectDelay()):
		}
	}
}

// Handle incoming WebSocket messages
func (w *WebSocketConnection) handleMessages() {
	defer close(w.Messages)
	for {
		mt, message, err := w.Conn.ReadMessage()
		if err != nil {
			w.setErr(err)
			return
		}
		if mt != websocket.TextMessage {
			// previews are binary data
			continue
		}
		select {
		case w.Messages <- message:
		case <-w.done:
			return
		}
	}
}

// exponential backoff calculation
func (w *WebSocketConnection) getReconnectDelay() time.Duration {
	// Calculate the delay as BaseDelay * 2^(RetryCount), capped at MaxDelay
	delay := w.BaseDelay * time.Duration(math.Pow(2, float64(w.RetryCount)))
	if delay > w.MaxDelay {
		delay = w.MaxDelay
	}
	w.RetryCount++ // Increment the retry counter for the next attempt
	return delay
}

func (w *WebSocketConnection) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// Err returns the error that ended the read loop, if any
func (w *WebSocketConnection) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close closes the connection and stops the read loop
func (w *WebSocketConnection) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = w.Conn.Close()
	})
	return err
}
