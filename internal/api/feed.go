package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/logger"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/orderbook"
)

const writeWait = 10 * time.Second

// BookSnapshot is one push of the order book feed
type BookSnapshot struct {
	Asset      string         `json:"asset"`
	Fiat       string         `json:"fiat"`
	BuyOrders  []models.Order `json:"buy_orders"`
	SellOrders []models.Order `json:"sell_orders"`
}

type pair struct {
	asset, fiat string
}

type wsClient struct {
	conn *websocket.Conn
	pair pair
	mu   sync.Mutex
}

func (c *wsClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// BookFeed pushes order book snapshots to websocket subscribers, once on
// connect and then on every tick of Run.
type BookFeed struct {
	book     *orderbook.OrderBook
	interval time.Duration
	upgrader websocket.Upgrader
	log      *logger.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func NewBookFeed(book *orderbook.OrderBook, interval time.Duration) *BookFeed {
	return &BookFeed{
		book:     book,
		interval: interval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS is enforced by the router
			},
		},
		log:     logger.With(zap.String("component", "book_feed")),
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the connection and subscribes it to ?asset=&fiat=,
// USDT/USD by default.
func (f *BookFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := pair{asset: r.URL.Query().Get("asset"), fiat: r.URL.Query().Get("fiat")}
	if p.asset == "" {
		p.asset = "USDT"
	}
	if p.fiat == "" {
		p.fiat = "USD"
	}
	if !models.IsSupportedPair(p.asset, p.fiat) {
		writeJSONError(w, http.StatusBadRequest, "unsupported asset pair")
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn(r.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, pair: p}
	f.mu.Lock()
	f.clients[client] = struct{}{}
	f.mu.Unlock()
	metrics.BookSubscribers.Inc()

	if data, err := f.snapshot(r.Context(), p); err == nil {
		if err := client.send(data); err != nil {
			f.drop(client)
			return
		}
	}

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			f.drop(client)
			return
		}
	}
}

// Run broadcasts snapshots until ctx is done
func (f *BookFeed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.closeAll()
			return
		case <-ticker.C:
			f.broadcast(ctx)
		}
	}
}

func (f *BookFeed) broadcast(ctx context.Context) {
	f.mu.RLock()
	clients := make([]*wsClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.RUnlock()

	snapshots := make(map[pair][]byte)
	for _, c := range clients {
		data, found := snapshots[c.pair]
		if !found {
			var err error
			if data, err = f.snapshot(ctx, c.pair); err != nil {
				f.log.Warn(ctx, "book snapshot failed", zap.String("asset", c.pair.asset), zap.String("fiat", c.pair.fiat), zap.Error(err))
				continue
			}
			snapshots[c.pair] = data
		}

		if err := c.send(data); err != nil {
			f.log.Debug(ctx, "dropping websocket client", zap.Error(err))
			f.drop(c)
		}
	}
}

func (f *BookFeed) snapshot(ctx context.Context, p pair) ([]byte, error) {
	buy, sell := models.DirectionBuy, models.DirectionSell

	buyOrders, err := f.book.List(ctx, p.asset, p.fiat, &buy)
	if err != nil {
		return nil, err
	}
	sellOrders, err := f.book.List(ctx, p.asset, p.fiat, &sell)
	if err != nil {
		return nil, err
	}

	return json.Marshal(BookSnapshot{
		Asset:      p.asset,
		Fiat:       p.fiat,
		BuyOrders:  buyOrders,
		SellOrders: sellOrders,
	})
}

func (f *BookFeed) drop(c *wsClient) {
	f.mu.Lock()
	_, found := f.clients[c]
	delete(f.clients, c)
	f.mu.Unlock()

	if found {
		metrics.BookSubscribers.Dec()
		_ = c.conn.Close()
	}
}

func (f *BookFeed) closeAll() {
	f.mu.RLock()
	clients := make([]*wsClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.RUnlock()

	for _, c := range clients {
		f.drop(c)
	}
}
