package binanceclient

import (
	"context"
	"fmt"
	"time"

	"signalTrader/internal/ports"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
)

// StreamEvents subscribes to the user data stream and forwards order updates.
// The connection is re-established with exponential backoff; events missed
// while disconnected are recovered by reconciliation. The returned channel is
// closed when ctx is done or reconnection gives up.
func (c *Client) StreamEvents(ctx context.Context, handler ports.EventHandler, errHandler func(err error)) (chan struct{}, error) {
	op := "StreamEvents"
	listenKey, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	wsCtx, cancelWs := context.WithCancel(ctx)
	expired := make(chan struct{}, 1)

	binanceHandler := func(event *futures.WsUserDataEvent) {
		if event != nil && string(event.Event) == "listenKeyExpired" {
			select {
			case expired <- struct{}{}:
			default:
			}
			return
		}
		if ev, ok := translateTradeUpdate(event); ok {
			handler(ev)
		}
	}
	binanceErrHandler := func(err error) {
		translatedErr := c.handleError(wsCtx, err, op+" WebSocket")
		c.logger.Warn(wsCtx, op+": WebSocket error reported", map[string]interface{}{"error": translatedErr.Error()})
		if errHandler != nil {
			errHandler(translatedErr)
		}
	}

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		defer cancelWs()

		b := &backoff.Backoff{Min: c.reconnectDelay, Max: c.reconnectDelay * 60, Factor: 2, Jitter: true}
		keepalive := time.NewTicker(c.keepaliveInterval)
		defer keepalive.Stop()

		for {
			c.logger.Info(wsCtx, op+": Attempting WebSocket connection...", map[string]interface{}{"attempt": int(b.Attempt()) + 1})
			innerDoneCh, innerStopCh, connectErr := futures.WsUserDataServe(listenKey, binanceHandler, binanceErrHandler)
			if connectErr != nil {
				_ = c.handleError(wsCtx, connectErr, op+" connection attempt")
				if int(b.Attempt())+1 >= c.maxReconnectAttempts {
					err := fmt.Errorf("%s: gave up after %d attempts: %w", op, c.maxReconnectAttempts, ports.ErrConnectionFailed)
					c.logger.Error(wsCtx, err, op+": Max reconnection attempts exceeded, giving up.")
					if errHandler != nil {
						errHandler(err)
					}
					return
				}
				delay := b.Duration()
				c.logger.Info(wsCtx, op+": Connection failed, retrying...", map[string]interface{}{"delay": delay.String()})
				select {
				case <-time.After(delay):
					listenKey = c.renewListenKey(wsCtx, listenKey)
					continue
				case <-wsCtx.Done():
					return
				}
			}

			c.logger.Info(wsCtx, op+": WebSocket connection established.")
			b.Reset()

			reconnect := false
			for !reconnect {
				select {
				case <-innerDoneCh:
					c.logger.Warn(wsCtx, op+": WebSocket connection closed unexpectedly. Reconnecting...")
					reconnect = true
				case <-expired:
					c.logger.Warn(wsCtx, op+": Listen key expired. Reconnecting...")
					stopInner(innerStopCh)
					reconnect = true
				case <-keepalive.C:
					if err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(wsCtx); err != nil {
						_ = c.handleError(wsCtx, err, op+" keepalive")
					}
				case <-wsCtx.Done():
					c.logger.Info(wsCtx, op+": Context cancelled, stopping WebSocket.")
					stopInner(innerStopCh)
					closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					if err := c.futuresClient.NewCloseUserStreamService().ListenKey(listenKey).Do(closeCtx); err != nil {
						c.logger.Debug(closeCtx, op+": Failed to close listen key", map[string]interface{}{"error": err.Error()})
					}
					cancel()
					return
				}
			}
			listenKey = c.renewListenKey(wsCtx, listenKey)
		}
	}()

	return doneCh, nil
}

// renewListenKey obtains a listen key for the next connection, keeping the
// old one when the request fails.
func (c *Client) renewListenKey(ctx context.Context, current string) string {
	key, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		_ = c.handleError(ctx, err, "StreamEvents listen key")
		return current
	}
	return key
}

func stopInner(stopCh chan struct{}) {
	select {
	case stopCh <- struct{}{}:
	default:
	}
}

var _ ports.Transport = (*Client)(nil)
