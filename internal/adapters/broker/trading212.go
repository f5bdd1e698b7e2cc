// Package broker implements the Broker capability: a Trading212 REST
// client for live execution and an in-memory simulator for backtests.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeagent/internal/adapters"
	"tradeagent/internal/config"
	"tradeagent/internal/models"
)

// serverErrorBackoff is the fixed retry schedule for 5xx responses.
var serverErrorBackoff = []time.Duration{2 * time.Second, 4 * time.Second}

// Rate-limit handling: at most rateLimitMaxRetries waits, each capped at
// rateLimitMaxWait even when Retry-After asks for more.
const (
	rateLimitMaxRetries = 3
	rateLimitMaxWait    = 30 * time.Second
)

// Trading212 is the live broker client.
type Trading212 struct {
	client       *resty.Client
	pollMax      int
	pollInterval time.Duration
	log          *zap.Logger
}

// NewTrading212 builds the live broker client.
func NewTrading212(cfg config.BrokerConfig, log *zap.Logger) *Trading212 {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetTimeout(30 * time.Second)
	client.SetHeader("Authorization", cfg.APIKey)

	pollInterval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	pollMax := cfg.PollMax
	if pollMax <= 0 {
		pollMax = 5
	}
	return &Trading212{
		client:       client,
		pollMax:      pollMax,
		pollInterval: pollInterval,
		log:          log.Named("trading212"),
	}
}

// Live marks this client as moving real money.
func (t *Trading212) Live() {}

type t212Order struct {
	ID             int64           `json:"id"`
	Ticker         string          `json:"ticker"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	FillPrice      decimal.Decimal `json:"fillPrice"`
	Status         string          `json:"status"`
	Reason         string          `json:"reason"`
}

// doRequest sends one request with the broker retry policy: 429 waits for
// Retry-After, 5xx retries on a short fixed schedule, any other 4xx fails
// immediately and is never retried.
func (t *Trading212) doRequest(ctx context.Context, fn func() (*resty.Response, error)) (*resty.Response, error) {
	attempt := 0
	rateLimited := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := fn()
		if err != nil {
			return nil, fmt.Errorf("broker request: %w", err)
		}

		code := resp.StatusCode()
		switch {
		case code < 400:
			return resp, nil
		case code == 429:
			if rateLimited >= rateLimitMaxRetries {
				return nil, fmt.Errorf("broker still rate limiting after %d retries", rateLimited)
			}
			rateLimited++
			wait := t.pollInterval
			if ra := resp.Header().Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
					wait = time.Duration(secs) * time.Second
				}
			}
			if wait > rateLimitMaxWait {
				wait = rateLimitMaxWait
			}
			t.log.Warn("rate limited by broker", zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		case code >= 500:
			if attempt >= len(serverErrorBackoff) {
				return nil, fmt.Errorf("broker server error %d: %s", code, resp.String())
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(serverErrorBackoff[attempt]):
			}
			attempt++
		default:
			// Client errors are not transient; retrying a rejected order
			// could double-execute it.
			return nil, fmt.Errorf("broker rejected request with %d: %s", code, resp.String())
		}
	}
}

// PlaceOrder submits a market order and polls until it reaches a terminal
// state or the poll budget runs out (the order is then reported PENDING).
func (t *Trading212) PlaceOrder(ctx context.Context, order adapters.OrderRequest) (adapters.OrderStatus, error) {
	quantity := order.Quantity
	if order.Side == models.SideSell {
		quantity = quantity.Neg()
	}

	resp, err := t.doRequest(ctx, func() (*resty.Response, error) {
		return t.client.R().
			SetContext(ctx).
			SetBody(map[string]interface{}{
				"ticker":   order.Ticker,
				"quantity": quantity,
			}).
			Post("/equity/orders/market")
	})
	if err != nil {
		return adapters.OrderStatus{}, fmt.Errorf("place %s order for %s: %w", order.Side, order.Ticker, err)
	}

	var placed t212Order
	if err := json.Unmarshal(resp.Body(), &placed); err != nil {
		return adapters.OrderStatus{}, fmt.Errorf("parse order response: %w", err)
	}
	orderID := strconv.FormatInt(placed.ID, 10)
	t.log.Info("order placed",
		zap.String("ticker", order.Ticker),
		zap.String("side", string(order.Side)),
		zap.String("order_id", orderID))

	status := toOrderStatus(placed, order)
	for poll := 0; poll < t.pollMax && status.Status == models.TradePending; poll++ {
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(t.pollInterval):
		}
		status, err = t.GetOrderStatus(ctx, orderID)
		if err != nil {
			return status, err
		}
	}
	return status, nil
}

// GetOrderStatus fetches the current state of an order.
func (t *Trading212) GetOrderStatus(ctx context.Context, brokerOrderID string) (adapters.OrderStatus, error) {
	resp, err := t.doRequest(ctx, func() (*resty.Response, error) {
		return t.client.R().SetContext(ctx).Get("/equity/orders/" + brokerOrderID)
	})
	if err != nil {
		return adapters.OrderStatus{}, fmt.Errorf("get order %s: %w", brokerOrderID, err)
	}

	var order t212Order
	if err := json.Unmarshal(resp.Body(), &order); err != nil {
		return adapters.OrderStatus{}, fmt.Errorf("parse order status: %w", err)
	}
	return toOrderStatus(order, adapters.OrderRequest{}), nil
}

// GetPositions fetches the open portfolio.
func (t *Trading212) GetPositions(ctx context.Context) ([]adapters.BrokerPosition, error) {
	resp, err := t.doRequest(ctx, func() (*resty.Response, error) {
		return t.client.R().SetContext(ctx).Get("/equity/portfolio")
	})
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	var raw []struct {
		Ticker       string          `json:"ticker"`
		Quantity     decimal.Decimal `json:"quantity"`
		AveragePrice decimal.Decimal `json:"averagePrice"`
		CurrentPrice decimal.Decimal `json:"currentPrice"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}

	positions := make([]adapters.BrokerPosition, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, adapters.BrokerPosition{
			Ticker:       p.Ticker,
			Quantity:     p.Quantity,
			AvgPrice:     p.AveragePrice,
			CurrentPrice: p.CurrentPrice,
		})
	}
	return positions, nil
}

// Instruments maps plain tickers to Trading212 instrument symbols
// (AAPL -> AAPL_US_EQ).
func (t *Trading212) Instruments(ctx context.Context) (map[string]string, error) {
	resp, err := t.doRequest(ctx, func() (*resty.Response, error) {
		return t.client.R().SetContext(ctx).Get("/equity/metadata/instruments")
	})
	if err != nil {
		return nil, fmt.Errorf("get instruments: %w", err)
	}

	var raw []struct {
		Ticker    string `json:"ticker"`
		ShortName string `json:"shortName"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}

	mapping := make(map[string]string, len(raw))
	for _, inst := range raw {
		if inst.ShortName != "" && inst.Ticker != "" {
			mapping[inst.ShortName] = inst.Ticker
		}
	}
	return mapping, nil
}

func toOrderStatus(order t212Order, req adapters.OrderRequest) adapters.OrderStatus {
	status := adapters.OrderStatus{
		BrokerOrderID:  strconv.FormatInt(order.ID, 10),
		Ticker:         order.Ticker,
		Side:           req.Side,
		FilledQuantity: order.FilledQuantity.Abs(),
		FilledPrice:    order.FillPrice,
		ErrorMessage:   order.Reason,
	}
	if status.Ticker == "" {
		status.Ticker = req.Ticker
	}

	switch order.Status {
	case "FILLED":
		status.Status = models.TradeFilled
		now := time.Now().UTC()
		status.FilledAt = &now
	case "REJECTED":
		status.Status = models.TradeFailed
	case "CANCELLED":
		status.Status = models.TradeCancelled
	default:
		status.Status = models.TradePending
	}
	return status
}
