package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
)

// DefaultUpbitURL is the public Upbit WebSocket endpoint
const DefaultUpbitURL = "wss://api.upbit.com/websocket/v1"

var upbitStreamTypes = []string{upbitTypeOrderBook, upbitTypeTrade, upbitTypeTicker, upbitTypeCandle1m}

// UpbitProvider streams orderbook, trade, ticker and 1m candle frames from
// the Upbit WebSocket API. The subscription is resent after every reconnect.
type UpbitProvider struct {
	client *WebSocketClient

	mu         sync.RWMutex
	symbols    []string
	subscribed bool
}

// NewUpbitProvider creates an Upbit provider
func NewUpbitProvider(config ProviderConfig) (Provider, error) {
	url := config.WSURL
	if url == "" {
		url = DefaultUpbitURL
	}

	wsConfig := DefaultWebSocketConfig(url)
	if config.ReconnectDelay > 0 {
		wsConfig.ReconnectDelay = config.ReconnectDelay
	}
	if config.MaxReconnectDelay > 0 {
		wsConfig.MaxReconnectDelay = config.MaxReconnectDelay
	}
	if config.PingPeriod > 0 {
		wsConfig.PingPeriod = config.PingPeriod
		wsConfig.PongWait = 3 * config.PingPeriod
	}
	if config.BufferSize > 0 {
		wsConfig.BufferSize = config.BufferSize
	}

	p := &UpbitProvider{client: NewWebSocketClient(wsConfig)}
	p.client.SetOnConnect(p.sendSubscription)
	return p, nil
}

// Connect starts the connection loop
func (p *UpbitProvider) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.client.Connect(); err != nil {
		if err == ErrWebSocketAlreadyConnected {
			return ErrProviderAlreadyConnected
		}
		return err
	}
	logger.Info("Upbit provider started", logger.String("url", p.client.config.URL))
	return nil
}

// Subscribe sets the symbol set and returns the frame channel
func (p *UpbitProvider) Subscribe(ctx context.Context, symbols []string) (<-chan []byte, error) {
	if err := validateSymbols(symbols); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.symbols = append([]string(nil), symbols...)
	p.subscribed = true
	p.mu.Unlock()

	if p.client.IsConnected() {
		if err := p.sendSubscription(); err != nil {
			return nil, err
		}
	}
	return p.client.Messages(), nil
}

// Resubscribe replaces the symbol set. Upbit has no incremental
// unsubscribe, so the full subscription is resent.
func (p *UpbitProvider) Resubscribe(symbols []string) error {
	if err := validateSymbols(symbols); err != nil {
		return err
	}

	p.mu.Lock()
	p.symbols = append([]string(nil), symbols...)
	p.mu.Unlock()

	if !p.client.IsConnected() {
		// picked up by the on-connect hook
		return nil
	}
	return p.sendSubscription()
}

func (p *UpbitProvider) sendSubscription() error {
	p.mu.RLock()
	symbols := append([]string(nil), p.symbols...)
	subscribed := p.subscribed
	p.mu.RUnlock()

	if !subscribed || len(symbols) == 0 {
		return nil
	}

	frame, err := SubscriptionFrame(uuid.NewString(), symbols)
	if err != nil {
		return err
	}
	if err := p.client.SendMessage(frame); err != nil {
		return fmt.Errorf("failed to send subscription: %w", err)
	}

	logger.Info("Subscribed to Upbit streams",
		logger.Strings("symbols", symbols),
		logger.Int("count", len(symbols)),
	)
	return nil
}

// SubscriptionFrame builds the Upbit subscribe request:
// [{"ticket":...},{"type":"orderbook","codes":[...]},...,{"format":"DEFAULT"}]
func SubscriptionFrame(ticket string, symbols []string) ([]byte, error) {
	req := make([]map[string]interface{}, 0, len(upbitStreamTypes)+2)
	req = append(req, map[string]interface{}{"ticket": ticket})
	for _, t := range upbitStreamTypes {
		req = append(req, map[string]interface{}{"type": t, "codes": symbols})
	}
	req = append(req, map[string]interface{}{"format": "DEFAULT"})

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscription: %w", err)
	}
	return payload, nil
}

// Close closes the provider
func (p *UpbitProvider) Close() error {
	return p.client.Close()
}

// IsConnected returns whether the WebSocket is connected
func (p *UpbitProvider) IsConnected() bool {
	return p.client.IsConnected()
}

// GetName returns the provider name
func (p *UpbitProvider) GetName() string {
	return "upbit"
}

// Dropped returns how many frames were dropped because the consumer was slow
func (p *UpbitProvider) Dropped() int64 {
	return p.client.Dropped()
}
