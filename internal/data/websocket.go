package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrWebSocketNotConnected is returned when operations are attempted on a disconnected WebSocket
	ErrWebSocketNotConnected = errors.New("websocket is not connected")
	// ErrWebSocketAlreadyConnected is returned when attempting to connect an already connected WebSocket
	ErrWebSocketAlreadyConnected = errors.New("websocket is already connected")
)

var (
	framesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_frames_received_total",
			Help: "Frames read from the market data WebSocket",
		},
	)

	framesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_frames_dropped_total",
			Help: "Frames dropped because the consumer channel was full",
		},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		},
	)
)

// WebSocketState represents the connection state
type WebSocketState int

const (
	StateDisconnected WebSocketState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s WebSocketState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// WebSocketConfig holds configuration for WebSocket connections
type WebSocketConfig struct {
	URL                  string
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	PingPeriod           time.Duration
	PongWait             time.Duration
	BufferSize           int
	MaxReconnectAttempts int // 0 means unlimited
}

// DefaultWebSocketConfig returns a default WebSocket configuration
func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:                  url,
		ReconnectDelay:       1 * time.Second,
		MaxReconnectDelay:    30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         10 * time.Second,
		PingPeriod:           20 * time.Second, // Upbit closes idle connections after 120s
		PongWait:             60 * time.Second,
		BufferSize:           4096,
		MaxReconnectAttempts: 0,
	}
}

// WebSocketClient is a WebSocket client with automatic reconnection. Frames
// are delivered on a bounded channel; when the consumer falls behind, new
// frames are dropped and counted.
type WebSocketClient struct {
	config WebSocketConfig

	mu                sync.RWMutex
	conn              *websocket.Conn
	state             WebSocketState
	started           bool
	reconnectAttempts int
	lastError         error
	onConnect         func() error

	// gorilla connections support one concurrent writer
	writeMu sync.Mutex

	messages chan []byte
	dropped  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebSocketClient creates a new WebSocket client
func NewWebSocketClient(config WebSocketConfig) *WebSocketClient {
	if config.BufferSize <= 0 {
		config.BufferSize = 4096
	}
	if config.PongWait <= config.PingPeriod {
		config.PongWait = 3 * config.PingPeriod
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketClient{
		config:   config,
		state:    StateDisconnected,
		messages: make(chan []byte, config.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetOnConnect sets a callback run after every successful dial, before
// frames are read. Subscriptions are (re)sent from here.
func (w *WebSocketClient) SetOnConnect(callback func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onConnect = callback
}

// Connect starts the connection loop. It returns immediately; the loop
// dials and redials with exponential backoff until Close.
func (w *WebSocketClient) Connect() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrWebSocketAlreadyConnected
	}
	w.started = true
	w.state = StateConnecting
	w.mu.Unlock()

	w.wg.Add(1)
	go w.connectLoop()
	return nil
}

func (w *WebSocketClient) connectLoop() {
	defer w.wg.Done()

	for {
		if w.ctx.Err() != nil {
			return
		}

		conn, err := w.dial()
		if err == nil {
			w.serve(conn)
		} else {
			w.setError(err)
			logger.Warn("WebSocket connection failed",
				logger.String("url", w.config.URL),
				logger.ErrorField(err),
			)
		}

		if w.ctx.Err() != nil {
			return
		}

		w.mu.RLock()
		attempts := w.reconnectAttempts
		w.mu.RUnlock()
		if w.config.MaxReconnectAttempts > 0 && attempts >= w.config.MaxReconnectAttempts {
			logger.Error("Max reconnection attempts reached, stopping",
				logger.Int("attempts", attempts),
				logger.Int("max", w.config.MaxReconnectAttempts),
			)
			w.setState(StateDisconnected)
			return
		}

		delay := w.calculateBackoff()
		logger.Info("Reconnecting WebSocket",
			logger.String("url", w.config.URL),
			logger.Duration("delay", delay),
			logger.Int("attempt", attempts+1),
		)

		select {
		case <-w.ctx.Done():
			return
		case <-time.After(delay):
			w.mu.Lock()
			w.state = StateReconnecting
			w.reconnectAttempts++
			w.mu.Unlock()
			reconnectsTotal.Inc()
		}
	}
}

func (w *WebSocketClient) dial() (*websocket.Conn, error) {
	w.setState(StateConnecting)
	logger.Info("Connecting to WebSocket", logger.String("url", w.config.URL))

	dialer := websocket.Dialer{HandshakeTimeout: w.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(w.ctx, w.config.URL, nil)
	if err != nil {
		w.setState(StateDisconnected)
		return nil, fmt.Errorf("failed to dial WebSocket: %w", err)
	}
	return conn, nil
}

// serve runs one connection until it fails or the client is closed
func (w *WebSocketClient) serve(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(w.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.config.PongWait))
	})

	w.mu.Lock()
	w.conn = conn
	w.state = StateConnected
	w.reconnectAttempts = 0
	w.lastError = nil
	onConnect := w.onConnect
	w.mu.Unlock()

	logger.Info("WebSocket connected", logger.String("url", w.config.URL))

	if onConnect != nil {
		if err := onConnect(); err != nil {
			logger.Error("WebSocket on-connect hook failed", logger.ErrorField(err))
			w.closeConnection(conn, err)
			return
		}
	}

	done := make(chan struct{})
	w.wg.Add(1)
	go w.pingLoop(conn, done)

	err := w.readLoop(conn)
	close(done)
	w.closeConnection(conn, err)
}

func (w *WebSocketClient) readLoop(conn *websocket.Conn) error {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if w.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Error("WebSocket read error", logger.ErrorField(err))
			}
			return err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		conn.SetReadDeadline(time.Now().Add(w.config.PongWait))
		framesReceived.Inc()

		select {
		case w.messages <- message:
		default:
			w.dropped.Add(1)
			framesDropped.Inc()
		}
	}
}

// pingLoop keeps the connection alive and closes it when the client shuts
// down, which unblocks readLoop
func (w *WebSocketClient) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer w.wg.Done()

	var tick <-chan time.Time
	if w.config.PingPeriod > 0 {
		ticker := time.NewTicker(w.config.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-done:
			return
		case <-w.ctx.Done():
			conn.Close()
			return
		case <-tick:
			w.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.config.WriteTimeout))
			w.writeMu.Unlock()
			if err != nil {
				logger.Warn("Failed to send ping", logger.ErrorField(err))
				conn.Close()
				return
			}
		}
	}
}

// calculateBackoff calculates exponential backoff delay
func (w *WebSocketClient) calculateBackoff() time.Duration {
	w.mu.RLock()
	attempts := w.reconnectAttempts
	w.mu.RUnlock()

	// Exponential backoff: baseDelay * 2^attempts
	delay := w.config.ReconnectDelay * time.Duration(1<<uint(min(attempts, 16)))
	if w.config.MaxReconnectDelay > 0 && delay > w.config.MaxReconnectDelay {
		delay = w.config.MaxReconnectDelay
	}
	return delay
}

// SendMessage sends a text frame
func (w *WebSocketClient) SendMessage(message []byte) error {
	w.mu.RLock()
	conn := w.conn
	state := w.state
	w.mu.RUnlock()

	if state != StateConnected || conn == nil {
		return ErrWebSocketNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(w.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, message)
}

// SendJSON marshals v and sends it as a text frame
func (w *WebSocketClient) SendJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return w.SendMessage(payload)
}

// Messages returns the frame channel. It is closed by Close.
func (w *WebSocketClient) Messages() <-chan []byte {
	return w.messages
}

// Dropped returns how many frames were dropped on a full channel
func (w *WebSocketClient) Dropped() int64 {
	return w.dropped.Load()
}

// GetState returns the current connection state
func (w *WebSocketClient) GetState() WebSocketState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// IsConnected returns whether the WebSocket is connected
func (w *WebSocketClient) IsConnected() bool {
	return w.GetState() == StateConnected
}

// GetLastError returns the last error that occurred
func (w *WebSocketClient) GetLastError() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastError
}

func (w *WebSocketClient) setState(s WebSocketState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *WebSocketClient) setError(err error) {
	w.mu.Lock()
	w.lastError = err
	w.mu.Unlock()
}

func (w *WebSocketClient) closeConnection(conn *websocket.Conn, err error) {
	conn.Close()

	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.state = StateDisconnected
	w.lastError = err
	w.mu.Unlock()
}

// Close stops reconnection, closes the connection and the frame channel
func (w *WebSocketClient) Close() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	conn := w.conn
	w.mu.Unlock()

	w.cancel()
	if conn != nil {
		w.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		conn.Close()
	}

	w.wg.Wait()
	close(w.messages)
	w.setState(StateDisconnected)
	return nil
}
