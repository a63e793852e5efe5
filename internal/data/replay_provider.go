package data

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// ReplayProvider replays recorded Upbit frames. Frames whose code is not
// subscribed are skipped; frames without a readable code are passed through
// so the normalizer can reject them.
type ReplayProvider struct {
	frames   [][]byte
	interval time.Duration
	loop     bool

	mu         sync.RWMutex
	connected  bool
	subscribed map[string]bool
	out        chan []byte
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewReplayProvider creates a replay provider over in-memory frames
func NewReplayProvider(frames [][]byte, interval time.Duration, loop bool) *ReplayProvider {
	return &ReplayProvider{
		frames:     frames,
		interval:   interval,
		loop:       loop,
		subscribed: make(map[string]bool),
		out:        make(chan []byte, 256),
	}
}

// NewReplayProviderFromConfig loads config.ReplayFile, one frame per line
func NewReplayProviderFromConfig(config ProviderConfig) (Provider, error) {
	if config.ReplayFile == "" {
		return nil, fmt.Errorf("replay provider requires a replay file")
	}
	frames, err := LoadReplayFile(config.ReplayFile)
	if err != nil {
		return nil, err
	}
	return NewReplayProvider(frames, config.ReplayInterval, config.ReplayLoop), nil
}

// LoadReplayFile reads newline-delimited frames, skipping blank lines
func LoadReplayFile(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	defer f.Close()

	var frames [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frames = append(frames, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read replay file: %w", err)
	}
	return frames, nil
}

// Connect marks the provider connected
func (r *ReplayProvider) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return ErrProviderAlreadyConnected
	}
	r.connected = true
	return nil
}

// Subscribe sets the symbol filter and starts the replay on first call
func (r *ReplayProvider) Subscribe(ctx context.Context, symbols []string) (<-chan []byte, error) {
	if err := validateSymbols(symbols); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil, ErrProviderNotConnected
	}
	r.setSymbols(symbols)

	if r.cancel == nil {
		ctx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		r.wg.Add(1)
		go r.replay(ctx)
	}
	return r.out, nil
}

// Resubscribe replaces the symbol filter
func (r *ReplayProvider) Resubscribe(symbols []string) error {
	if err := validateSymbols(symbols); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return ErrProviderNotConnected
	}
	r.setSymbols(symbols)
	return nil
}

func (r *ReplayProvider) setSymbols(symbols []string) {
	r.subscribed = make(map[string]bool, len(symbols))
	for _, s := range symbols {
		r.subscribed[strings.ToUpper(s)] = true
	}
}

// Close stops the replay and closes the frame channel
func (r *ReplayProvider) Close() error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil
	}
	r.connected = false
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	close(r.out)
	return nil
}

// IsConnected returns whether the provider is connected
func (r *ReplayProvider) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// GetName returns the provider name
func (r *ReplayProvider) GetName() string {
	return "replay"
}

// GetSubscribedSymbols returns the current symbol filter
func (r *ReplayProvider) GetSubscribedSymbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	symbols := make([]string, 0, len(r.subscribed))
	for symbol := range r.subscribed {
		symbols = append(symbols, symbol)
	}
	return symbols
}

func (r *ReplayProvider) replay(ctx context.Context) {
	defer r.wg.Done()

	for {
		for _, frame := range r.frames {
			if !r.wanted(frame) {
				continue
			}
			select {
			case r.out <- frame:
			case <-ctx.Done():
				return
			}
			if r.interval > 0 {
				select {
				case <-time.After(r.interval):
				case <-ctx.Done():
					return
				}
			}
		}
		if !r.loop || len(r.frames) == 0 {
			return
		}
	}
}

func (r *ReplayProvider) wanted(frame []byte) bool {
	var hdr upbitHeader
	if err := json.Unmarshal(frame, &hdr); err != nil || hdr.Code == "" {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subscribed[strings.ToUpper(strings.TrimSpace(hdr.Code))]
}
