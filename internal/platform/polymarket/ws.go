package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polyclawd/marketlab/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// BookHandler is called when a full orderbook snapshot is received.
type BookHandler func(domain.BookSnapshot)

// PriceChangeHandler is called for each price level update received.
type PriceChangeHandler func(domain.PriceChange)

// TradeHandler is called when a last trade price message is received.
type TradeHandler func(domain.Trade)

// DisconnectHandler is called once per connection loss, after the read loop
// has stopped. The owner decides whether and when to reconnect.
type DisconnectHandler func(err error)

// WSClient is a WebSocket client for the Polymarket CLOB market data feed.
// It manages the connection lifecycle and subscriptions, and dispatches
// messages to registered handlers. Reconnect policy belongs to the caller:
// on read failure the client reports the disconnect and goes idle until
// Connect is called again, at which point tracked subscriptions are
// restored.
type WSClient struct {
	wsURL string

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	// Subscribed asset IDs, restored on reconnect.
	assetIDs []string

	handlerMu          sync.RWMutex
	bookHandlers       []BookHandler
	priceHandlers      []PriceChangeHandler
	tradeHandlers      []TradeHandler
	disconnectHandlers []DisconnectHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a new WebSocket client for the given endpoint.
//
// wsURL is the CLOB market channel endpoint, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and restores any tracked
// subscriptions. Safe to call again after a disconnect.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("polymarket/ws: %w: client closed", domain.ErrWSDisconnect)
	}
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	w.conn = conn

	// Set up pong handler for keep-alive.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go w.readLoop(conn)
	go w.pingLoop(conn)

	// Restore the subscription set after reconnect.
	if len(w.assetIDs) > 0 {
		cmd := WSCommand{Type: "market", AssetIDs: w.assetIDs}
		if err := w.sendCommand(cmd); err != nil {
			return fmt.Errorf("polymarket/ws: restore subscriptions: %w", err)
		}
	}

	return nil
}

// Subscribe subscribes to market data for the given outcome token IDs and
// tracks them for restoration on reconnect.
func (w *WSClient) Subscribe(ctx context.Context, assetIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}

	cmd := WSCommand{Type: "market", AssetIDs: assetIDs}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}

	seen := make(map[string]struct{}, len(w.assetIDs))
	for _, a := range w.assetIDs {
		seen[a] = struct{}{}
	}
	for _, a := range assetIDs {
		if _, ok := seen[a]; !ok {
			w.assetIDs = append(w.assetIDs, a)
		}
	}

	return nil
}

// Unsubscribe removes the given token IDs from the tracked subscription set
// and informs the server.
func (w *WSClient) Unsubscribe(ctx context.Context, assetIDs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("polymarket/ws: not connected")
	}

	cmd := WSCommand{Type: "unsubscribe", AssetIDs: assetIDs}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("polymarket/ws: unsubscribe: %w", err)
	}

	drop := make(map[string]struct{}, len(assetIDs))
	for _, a := range assetIDs {
		drop[a] = struct{}{}
	}
	kept := w.assetIDs[:0]
	for _, a := range w.assetIDs {
		if _, found := drop[a]; !found {
			kept = append(kept, a)
		}
	}
	w.assetIDs = kept

	return nil
}

// Close shuts down the WebSocket connection and stops the read loop. The
// client cannot be reused after Close.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		// Send a close message to the server.
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// OnBook registers a handler for full orderbook snapshots.
func (w *WSClient) OnBook(handler BookHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.bookHandlers = append(w.bookHandlers, handler)
}

// OnPriceChange registers a handler for incremental price level updates.
func (w *WSClient) OnPriceChange(handler PriceChangeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.priceHandlers = append(w.priceHandlers, handler)
}

// OnTrade registers a handler for last trade price messages.
func (w *WSClient) OnTrade(handler TradeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.tradeHandlers = append(w.tradeHandlers, handler)
}

// OnDisconnect registers a handler called once per connection loss.
func (w *WSClient) OnDisconnect(handler DisconnectHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.disconnectHandlers = append(w.disconnectHandlers, handler)
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// sendCommand sends a JSON command to the WebSocket. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd WSCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages from the given connection and
// dispatches them to handlers. It exits when the connection fails or the
// client shuts down, reporting the disconnect to registered handlers.
func (w *WSClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}

			w.handlerMu.RLock()
			handlers := w.disconnectHandlers
			w.handlerMu.RUnlock()
			for _, h := range handlers {
				h(fmt.Errorf("%w: %v", domain.ErrWSDisconnect, err))
			}
			return
		}

		w.handleMessage(message)
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (w *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw WebSocket message and routes it to the
// appropriate handlers based on the event type. Frames may arrive either as
// a single object or as a JSON array of objects.
func (w *WSClient) handleMessage(raw []byte) {
	if len(raw) > 0 && raw[0] == '[' {
		var frames []json.RawMessage
		if err := json.Unmarshal(raw, &frames); err != nil {
			return
		}
		for _, frame := range frames {
			w.handleFrame(frame)
		}
		return
	}
	w.handleFrame(raw)
}

func (w *WSClient) handleFrame(raw []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return // Silently drop unparseable messages.
	}

	switch envelope.EventType {
	case "book":
		var book WSBookMessage
		if err := json.Unmarshal(raw, &book); err != nil {
			return
		}
		snap := book.ToDomainSnapshot()

		w.handlerMu.RLock()
		handlers := w.bookHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(snap)
		}

	case "price_change":
		var pc WSPriceChangeMessage
		if err := json.Unmarshal(raw, &pc); err != nil {
			return
		}
		changes := pc.ToDomainChanges()

		w.handlerMu.RLock()
		handlers := w.priceHandlers
		w.handlerMu.RUnlock()

		for _, c := range changes {
			for _, h := range handlers {
				h(c)
			}
		}

	case "last_trade_price":
		var ltp WSLastTradeMessage
		if err := json.Unmarshal(raw, &ltp); err != nil {
			return
		}
		trade := ltp.ToDomainTrade()

		w.handlerMu.RLock()
		handlers := w.tradeHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(trade)
		}
	}
}
