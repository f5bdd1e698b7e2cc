package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeagent/internal/adapters"
	"tradeagent/internal/models"
)

// ClosedTrade is one realized round trip in the simulator.
type ClosedTrade struct {
	Ticker      string
	Quantity    decimal.Decimal
	PnL         decimal.Decimal
	HoldingDays int
}

type simPosition struct {
	quantity decimal.Decimal
	avgPrice decimal.Decimal
	openedAt time.Time
}

// Simulated is the backtest broker. Orders placed during day N fill at the
// price the engine loaded for day N+1's open, which is how the replay
// avoids trading on information from the close that produced the decision.
// It deliberately does not implement LiveBroker.
type Simulated struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]*simPosition
	fillPrice map[string]decimal.Decimal
	lastClose map[string]decimal.Decimal
	today     time.Time
	orders    map[string]adapters.OrderStatus
	closed    []ClosedTrade
	seq       int64
}

// NewSimulated builds a simulator holding only cash.
func NewSimulated(initialCash decimal.Decimal) *Simulated {
	return &Simulated{
		cash:      initialCash,
		positions: make(map[string]*simPosition),
		fillPrice: make(map[string]decimal.Decimal),
		lastClose: make(map[string]decimal.Decimal),
		orders:    make(map[string]adapters.OrderStatus),
	}
}

// SetDay advances the simulator clock and loads the day's prices: closes
// for valuation and fill prices for orders placed today.
func (s *Simulated) SetDay(day time.Time, closes, fills map[string]decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.today = day
	s.lastClose = closes
	s.fillPrice = fills
}

// PlaceOrder fills immediately at the loaded fill price. Orders without a
// price, oversells, and buys beyond available cash fail.
func (s *Simulated) PlaceOrder(_ context.Context, order adapters.OrderRequest) (adapters.OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	orderID := "sim-" + strconv.FormatInt(s.seq, 10)
	fail := func(reason string) (adapters.OrderStatus, error) {
		status := adapters.OrderStatus{
			BrokerOrderID: orderID,
			Ticker:        order.Ticker,
			Side:          order.Side,
			Status:        models.TradeFailed,
			ErrorMessage:  reason,
		}
		s.orders[orderID] = status
		return status, fmt.Errorf("simulated order %s: %s", orderID, reason)
	}

	price, ok := s.fillPrice[order.Ticker]
	if !ok || price.Sign() <= 0 {
		return fail("no fill price for " + order.Ticker)
	}
	if order.Quantity.Sign() <= 0 {
		return fail("non-positive quantity")
	}

	value := order.Quantity.Mul(price)
	switch order.Side {
	case models.SideBuy:
		if value.GreaterThan(s.cash) {
			return fail(fmt.Sprintf("insufficient cash: need %s, have %s", value, s.cash))
		}
		s.cash = s.cash.Sub(value)
		pos, held := s.positions[order.Ticker]
		if held {
			total := pos.quantity.Add(order.Quantity)
			cost := pos.quantity.Mul(pos.avgPrice).Add(value)
			pos.avgPrice = cost.DivRound(total, 8)
			pos.quantity = total
		} else {
			s.positions[order.Ticker] = &simPosition{
				quantity: order.Quantity,
				avgPrice: price,
				openedAt: s.today,
			}
		}
	case models.SideSell:
		pos, held := s.positions[order.Ticker]
		if !held || pos.quantity.LessThan(order.Quantity) {
			return fail("position too small to sell")
		}
		s.cash = s.cash.Add(value)
		pnl := price.Sub(pos.avgPrice).Mul(order.Quantity)
		holdingDays := int(s.today.Sub(pos.openedAt).Hours() / 24)
		s.closed = append(s.closed, ClosedTrade{
			Ticker:      order.Ticker,
			Quantity:    order.Quantity,
			PnL:         pnl,
			HoldingDays: holdingDays,
		})
		pos.quantity = pos.quantity.Sub(order.Quantity)
		if pos.quantity.Sign() == 0 {
			delete(s.positions, order.Ticker)
		}
	default:
		return fail("unknown side " + string(order.Side))
	}

	filledAt := s.today
	status := adapters.OrderStatus{
		BrokerOrderID:  orderID,
		Ticker:         order.Ticker,
		Side:           order.Side,
		Status:         models.TradeFilled,
		FilledQuantity: order.Quantity,
		FilledPrice:    price,
		FilledAt:       &filledAt,
	}
	s.orders[orderID] = status
	return status, nil
}

// GetOrderStatus returns a previously placed order.
func (s *Simulated) GetOrderStatus(_ context.Context, brokerOrderID string) (adapters.OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.orders[brokerOrderID]
	if !ok {
		return adapters.OrderStatus{}, fmt.Errorf("unknown order %s: %w", brokerOrderID, models.ErrNotFound)
	}
	return status, nil
}

// GetPositions returns the open holdings valued at the latest close.
func (s *Simulated) GetPositions(_ context.Context) ([]adapters.BrokerPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make([]adapters.BrokerPosition, 0, len(s.positions))
	for ticker, pos := range s.positions {
		current := s.lastClose[ticker]
		if current.Sign() <= 0 {
			current = pos.avgPrice
		}
		positions = append(positions, adapters.BrokerPosition{
			Ticker:       ticker,
			Quantity:     pos.quantity,
			AvgPrice:     pos.avgPrice,
			CurrentPrice: current,
		})
	}
	return positions, nil
}

// Instruments returns an empty mapping: the simulator trades local tickers
// directly.
func (s *Simulated) Instruments(_ context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

// Cash returns the uninvested balance.
func (s *Simulated) Cash() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cash
}

// PortfolioValue returns cash plus holdings at the latest closes.
func (s *Simulated) PortfolioValue() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.cash
	for ticker, pos := range s.positions {
		price := s.lastClose[ticker]
		if price.Sign() <= 0 {
			price = pos.avgPrice
		}
		total = total.Add(pos.quantity.Mul(price))
	}
	return total
}

// ClosedTrades returns all realized round trips so far.
func (s *Simulated) ClosedTrades() []ClosedTrade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClosedTrade, len(s.closed))
	copy(out, s.closed)
	return out
}
