package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"signalTrader/internal/domain"
	"signalTrader/internal/ports"
	"signalTrader/internal/sizing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements the ports.Transport interface using the go-binance library.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int
	keepaliveInterval    time.Duration

	mu          sync.Mutex
	instruments map[string]*domain.Instrument
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration // Reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // Max attempts before giving up
	KeepaliveInterval    time.Duration // Listen key refresh period, 30m if unset
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client: %w", ports.ErrConfigurationError)
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		// Private endpoints will fail with authentication errors.
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	keepalive := cfg.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = 30 * time.Minute
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		keepaliveInterval:    keepalive,
		instruments:          make(map[string]*domain.Instrument),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		mappedErr := mapAPIError(apiErr.Code)
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		if errors.Is(mappedErr, ports.ErrOrderNotFound) {
			// Expected while reconciling orders that never reached the exchange.
			c.logger.Debug(ctx, fmt.Sprintf("%s: order not found", operation), fields)
		} else {
			c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		}
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "i/o timeout") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		// Default for other errors (e.g., parsing errors within the adapter)
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// mapAPIError maps Binance error codes to ports errors.
func mapAPIError(code int64) error {
	switch code {
	case -1001: // Internal error; unable to process your request
		return ports.ErrConnectionFailed
	case -1003: // Too many requests
		return ports.ErrRateLimited
	case -1007: // Timeout waiting for response from backend server; execution status unknown
		return ports.ErrTimeout
	case -1008: // Server is currently overloaded
		return ports.ErrExchangeUnavailable
	case -1021: // Timestamp for this request is outside of the recvWindow
		return ports.ErrTimeout
	case -1022: // Signature for this request is not valid
		return ports.ErrAuthenticationFailed
	case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
		return ports.ErrInvalidRequest
	case -2010: // New order rejected
		return ports.ErrOrderPlacementFailed
	case -2011: // Cancel order rejected
		return ports.ErrOrderCancelFailed
	case -2013: // Order does not exist
		return ports.ErrOrderNotFound
	case -2014: // API-key format invalid
		return ports.ErrInvalidAPIKeys
	case -2015: // Invalid API-key, IP, or permissions for action
		return ports.ErrInvalidAPIKeys
	case -2019: // Margin is insufficient
		return ports.ErrInsufficientFunds
	case -2022: // ReduceOnly Order is rejected
		return ports.ErrOrderPlacementFailed
	case -3005: // Insufficient balance
		return ports.ErrInsufficientFunds
	case -3041: // Position is not sufficient
		return ports.ErrInsufficientFunds
	case -4003: // Qty not within permissible range
		return ports.ErrInvalidRequest
	case -4014: // Price not within permissible range
		return ports.ErrInvalidRequest
	case -4015: // Client order id is not valid
		return ports.ErrInvalidRequest
	case -4028: // Leverage is not valid
		return ports.ErrInvalidRequest
	case -4044: // Position not found
		return ports.ErrPositionNotFound
	case -4047: // Exceeded the maximum allowable position at current leverage.
		return ports.ErrInsufficientFunds
	case -4116: // ClientOrderId is duplicated
		return ports.ErrDuplicateClientOrder
	default:
		return ports.ErrUnknown
	}
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	_, err := c.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	err := c.futuresClient.NewPingService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetMarkPrice retrieves the current mark price for a given symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetMarkPrice"
	tickers, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no price data returned for symbol %s", symbol)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(tickers[0].MarkPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].MarkPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// GetInstrument retrieves precision and minimum size rules for a symbol.
// Results are cached for the life of the client.
func (c *Client) GetInstrument(ctx context.Context, symbol string) (*domain.Instrument, error) {
	c.mu.Lock()
	cached, ok := c.instruments[symbol]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	op := "GetInstrument"
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range info.Symbols {
		if s.Status != "" && s.Status != "TRADING" {
			continue
		}
		c.instruments[s.Symbol] = translateSymbol(s.Symbol, s.QuoteAsset, s.Filters)
	}
	instr, ok := c.instruments[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: symbol %s: %w", op, symbol, ports.ErrInstrumentUnavailable)
	}
	c.logger.Debug(ctx, op+" loaded exchange info", map[string]interface{}{
		"symbols": len(c.instruments), "symbol": symbol, "stepSize": instr.StepSize, "tickSize": instr.TickSize,
	})
	return instr, nil
}

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// SubmitOrder places a market or limit order using the idempotency token as
// the client order id, so a retried submission is refused as a duplicate.
func (c *Client) SubmitOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderAck, error) {
	op := "SubmitOrder"
	instr, err := c.GetInstrument(ctx, req.Instrument)
	if err != nil {
		return nil, err
	}
	quantity := sizing.Format(req.Quantity, instr.StepSize)

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Instrument).
		Side(futures.SideType(req.Side)).
		Quantity(quantity).
		NewClientOrderID(req.IdempotencyToken).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	switch {
	case req.Trigger != "":
		svc = svc.Type(futures.OrderType(req.Trigger)).
			StopPrice(sizing.Format(req.StopPrice, instr.TickSize)).
			WorkingType(futures.WorkingTypeMarkPrice)
	case req.Price.Market || req.Price.Limit <= 0:
		svc = svc.Type(futures.OrderTypeMarket)
	default:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(sizing.Format(req.Price.Limit, instr.TickSize))
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	ack := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": req.Instrument, "side": req.Side, "quantity": quantity, "clientOrderID": req.IdempotencyToken,
		"orderID": ack.ExchangeOrderID, "status": ack.Status, "avgPrice": ack.AverageFillPrice, "trigger": req.Trigger,
	})
	return ack, nil
}

// CancelOrder cancels an open order by exchange id, or by client id when the
// exchange id is unknown.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) error {
	op := "CancelOrder"
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": exchangeOrderID, "clientOrderID": clientOrderID})

	svc := c.futuresClient.NewCancelOrderService().Symbol(symbol)
	if id, err := strconv.ParseInt(exchangeOrderID, 10, 64); err == nil {
		svc = svc.OrderID(id)
	} else if clientOrderID != "" {
		svc = svc.OrigClientOrderID(clientOrderID)
	} else {
		return fmt.Errorf("%s: no order id for %s: %w", op, symbol, ports.ErrInvalidRequest)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": res.OrderID, "status": res.Status})
	return nil
}

// QueryOrder fetches the current state of one order.
func (c *Client) QueryOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) (*domain.LiveOrder, error) {
	op := "QueryOrder"
	svc := c.futuresClient.NewGetOrderService().Symbol(symbol)
	if id, err := strconv.ParseInt(exchangeOrderID, 10, 64); err == nil {
		svc = svc.OrderID(id)
	} else if clientOrderID != "" {
		svc = svc.OrigClientOrderID(clientOrderID)
	} else {
		return nil, fmt.Errorf("%s: no order id for %s: %w", op, symbol, ports.ErrInvalidRequest)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	live := translateOrder(order)
	return &live, nil
}

// FetchOpenOrders lists every open order on the account.
func (c *Client) FetchOpenOrders(ctx context.Context) ([]domain.LiveOrder, error) {
	op := "FetchOpenOrders"
	orders, err := c.futuresClient.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make([]domain.LiveOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, translateOrder(o))
	}
	return out, nil
}

// FetchPositions lists every non-flat position on the account.
func (c *Client) FetchPositions(ctx context.Context) ([]domain.LivePosition, error) {
	op := "FetchPositions"
	positions, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make([]domain.LivePosition, 0)
	for _, p := range positions {
		lp := translatePositionRisk(p)
		if lp.NetQuantity == 0 {
			continue
		}
		out = append(out, lp)
	}
	return out, nil
}

// FetchBalances lists wallet balances in the local margin model: free is
// wallet balance less entry-valued position margin and open order margin,
// which is reported as locked.
func (c *Client) FetchBalances(ctx context.Context) ([]domain.LiveBalance, error) {
	op := "FetchBalances"
	positions, err := c.FetchPositions(ctx)
	if err != nil {
		return nil, err
	}
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	marginByAsset := make(map[string]float64)
	for _, p := range positions {
		asset := c.quoteAsset(p.Instrument)
		marginByAsset[asset] += positionMargin(p)
	}

	out := make([]domain.LiveBalance, 0, len(account.Assets))
	for _, a := range account.Assets {
		bal, err := translateBalance(a.Asset, a.WalletBalance, a.OpenOrderInitialMargin, marginByAsset[a.Asset])
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if bal.Total() == 0 && bal.Locked == 0 {
			continue
		}
		out = append(out, bal)
	}
	return out, nil
}

// quoteAsset resolves the margin asset of a symbol from cached exchange info.
func (c *Client) quoteAsset(symbol string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if instr, ok := c.instruments[symbol]; ok && instr.QuoteAsset != "" {
		return instr.QuoteAsset
	}
	for _, q := range []string{"USDT", "USDC", "BUSD"} {
		if strings.HasSuffix(symbol, q) {
			return q
		}
	}
	return "USDT"
}

func positionMargin(p domain.LivePosition) float64 {
	lev := p.Leverage
	if lev <= 0 {
		lev = 1
	}
	return math.Abs(p.NetQuantity) * p.EntryPrice / float64(lev)
}
