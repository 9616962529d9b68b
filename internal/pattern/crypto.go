package pattern

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/duplexlab/wspatterns/internal/session"
	"golang.org/x/time/rate"
)

// CryptoPrice proxies a crypto price API into the WebSocket, sending the
// latest quote for the requested symbol at a polite, throttled pace.
func (h *Handlers) CryptoPrice(ctx context.Context, sess *session.Session, params Params) error {
	if err := sess.Connect(); err != nil {
		return err
	}
	return h.streamPrices(ctx, sess, params.Get("sym"))
}

// CryptoPriceManaged behaves exactly like CryptoPrice but leaves the
// handshake to the pre-dispatch hook, so the handler body is nothing but
// the price loop.
func (h *Handlers) CryptoPriceManaged(ctx context.Context, sess *session.Session, params Params) error {
	return h.streamPrices(ctx, sess, params.Get("sym"))
}

func (h *Handlers) streamPrices(ctx context.Context, sess *session.Session, sym string) error {
	priceURL := fmt.Sprintf(h.cfg.CryptoURL, url.QueryEscape(strings.ToUpper(sym)))

	// The upstream API is rate limited; be nice to it.
	limiter := rate.NewLimiter(rate.Every(h.cfg.CryptoInterval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		var quote json.RawMessage
		if err := h.upstream.FetchJSON(ctx, priceURL, &quote); err != nil {
			return fmt.Errorf("crypto price %s: %w", sym, err)
		}

		if err := sess.Send(session.Message{Type: session.MessageTypeJSON, Data: quote}); err != nil {
			if sessionEnded(err) {
				return nil
			}
			return err
		}
	}
}
