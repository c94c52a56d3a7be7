// Package fake provides a synthetic streaming venue for development and
// tests: an in-process transport that emits generated market data frames,
// and the decoder that parses them.
package fake

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/marketwire/pulse/internal/connmgr"
	"github.com/marketwire/pulse/internal/schema"
)

// Options configures the synthetic venue.
type Options struct {
	// TickInterval is the gap between generated ticks per symbol.
	TickInterval time.Duration
	// TradeEvery emits one synthetic trade per this many ticks.
	TradeEvery int
	// BasePrice seeds the random walk; defaults to 100.
	BasePrice decimal.Decimal
}

func (o Options) normalize() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.TradeEvery <= 0 {
		o.TradeEvery = 5
	}
	if o.BasePrice.IsZero() {
		o.BasePrice = decimal.NewFromInt(100)
	}
	return o
}

// Transport fabricates sessions that stream generated frames for whatever
// symbols the caller subscribes. Dial never fails.
type Transport struct {
	Opts Options
}

func (t *Transport) Dial(_ context.Context, _ string, _ connmgr.Credentials) (connmgr.Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := new(session)
	s.opts = t.Opts.normalize()
	s.ctx = ctx
	s.cancel = cancel
	s.frames = make(chan []byte, 64)
	s.subs = make(map[string]*walker)
	go s.generate()
	return s, nil
}

// walker is a deterministic price walk for one symbol: the price oscillates
// around the base so long test runs never drift to zero or infinity.
type walker struct {
	symbol string
	base   decimal.Decimal
	step   int64
	ticks  int
}

func (w *walker) next() schema.TickPayload {
	w.step++
	w.ticks++
	// Triangle wave, ±1% of base over a 40-tick period.
	phase := w.step % 40
	if phase > 20 {
		phase = 40 - phase
	}
	offset := w.base.Mul(decimal.New(phase-10, -3))
	last := w.base.Add(offset)
	spread := w.base.Div(decimal.NewFromInt(1000))
	return schema.TickPayload{
		Symbol: w.symbol,
		Bid:    last.Sub(spread),
		Ask:    last.Add(spread),
		Last:   last,
		Volume: decimal.NewFromInt(w.step),
	}
}

type session struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	frames chan []byte

	mu      sync.Mutex
	subs    map[string]*walker
	tradeID int64
}

func (s *session) Subscribe(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[symbol]; !ok {
		s.subs[symbol] = &walker{symbol: symbol, base: s.opts.BasePrice}
	}
	return nil
}

func (s *session) Unsubscribe(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, symbol)
	return nil
}

func (s *session) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	case frame := <-s.frames:
		return frame, nil
	}
}

func (s *session) Close() error {
	s.cancel()
	return nil
}

func (s *session) generate() {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		walkers := make([]*walker, 0, len(s.subs))
		for _, w := range s.subs {
			walkers = append(walkers, w)
		}
		s.mu.Unlock()

		for _, w := range walkers {
			tick := w.next()
			s.push(frame{Type: "tick", Data: mustMarshal(tick)})
			if w.ticks%s.opts.TradeEvery == 0 {
				s.push(frame{Type: "trade", Data: mustMarshal(s.syntheticTrade(tick))})
			}
		}
	}
}

func (s *session) syntheticTrade(tick schema.TickPayload) schema.TradePayload {
	s.mu.Lock()
	s.tradeID++
	id := s.tradeID
	s.mu.Unlock()
	return schema.TradePayload{
		TradeID: "fake-" + strconv.FormatInt(id, 10),
		Symbol:  tick.Symbol,
		Side:    "buy",
		Price:   tick.Last,
		Qty:     decimal.NewFromInt(1),
	}
}

func (s *session) push(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case s.frames <- data:
	default:
		// Reader fell behind; drop the frame rather than stall generation.
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
