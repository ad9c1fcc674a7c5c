package marketdata

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	streamBaseURL     = "wss://stream.binance.com:9443/stream"
	reconnectBackoff  = 2 * time.Second
	pingInterval      = 3 * time.Minute
	readDeadlineSlack = 10 * time.Minute
)

// PriceSink is the write side of store.PriceCache the streamer needs;
// keeping it narrow means the streamer never imports the store package.
type PriceSink interface {
	Set(symbol string, price decimal.Decimal)
}

// tickerEvent is the subset of Binance's combined "<symbol>@miniTicker"
// payload the streamer cares about.
type tickerEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Close  string `json:"c"`
	} `json:"data"`
}

// PriceStreamer keeps a combined-stream websocket connection to Binance
// open and pushes every tick straight into a PriceSink, so the Position
// Monitor's 5s ticks almost always find a warm price cache and skip the
// REST round trip entirely. Grounded on the teacher's
// internal/api/websocket.go dial-read-reconnect loop, adapted from a
// user-data stream to a public combined miniTicker stream since this
// engine streams market prices, not account events.
type PriceStreamer struct {
	symbols []string
	sink    PriceSink
	log     zerolog.Logger

	stopCh chan struct{}
}

func NewPriceStreamer(symbols []string, sink PriceSink, log zerolog.Logger) *PriceStreamer {
	return &PriceStreamer{symbols: symbols, sink: sink, log: log, stopCh: make(chan struct{})}
}

// Run blocks, redialing on every disconnect, until Stop is called.
func (s *PriceStreamer) Run() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if err := s.connectAndRead(); err != nil {
			s.log.Warn().Err(err).Msg("price stream disconnected, reconnecting")
		}
		select {
		case <-s.stopCh:
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (s *PriceStreamer) Stop() {
	close(s.stopCh)
}

func (s *PriceStreamer) connectAndRead() error {
	url := s.streamURL()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial price stream: %w", err)
	}
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadlineSlack))
	})
	_ = conn.SetReadDeadline(time.Now().Add(readDeadlineSlack))

	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()
	go func() {
		for {
			select {
			case <-s.stopCh:
				return
			case <-pinger.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var evt tickerEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			s.log.Debug().Err(err).Msg("dropping unparseable price stream frame")
			continue
		}
		if evt.Data.Symbol == "" || evt.Data.Close == "" {
			continue
		}
		price, err := decimal.NewFromString(evt.Data.Close)
		if err != nil {
			continue
		}
		s.sink.Set(fromBinanceSymbol(evt.Data.Symbol), price)
	}
}

func (s *PriceStreamer) streamURL() string {
	parts := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		parts[i] = strings.ToLower(toBinanceSymbol(sym)) + "@miniTicker"
	}
	return streamBaseURL + "?streams=" + strings.Join(parts, "/")
}

// fromBinanceSymbol is best-effort: it assumes a USDT-quoted pair, which
// covers every symbol this engine currently trades. A base asset that
// itself ends in "USDT" would be misparsed; none of the classified
// symbols in domain.Category do.
func fromBinanceSymbol(symbol string) string {
	const quote = "USDT"
	if strings.HasSuffix(symbol, quote) {
		base := strings.TrimSuffix(symbol, quote)
		return base + "/" + quote
	}
	return symbol
}
