package pattern

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/duplexlab/wspatterns/internal/session"
	"github.com/gorilla/websocket"
)

// searchPage is the slice of an upstream search response the subscription
// forwards. Each related topic is relayed verbatim.
type searchPage struct {
	RelatedTopics []json.RawMessage `json:"RelatedTopics"`
}

// Subscribe simulates a pub/sub feed for an approved topic, backed by a
// search API. Requests for topics outside the approved list are rejected
// during the handshake with status 1007. Each batch of results is drained
// one message at a time with a random delay in between, then the query is
// salted with another topic and repeated.
func (h *Handlers) Subscribe(ctx context.Context, sess *session.Session, params Params) error {
	topic := params.Get("topic")
	if !h.cfg.AllowsTopic(topic) {
		return sess.ConnectAndClose(websocket.CloseInvalidFramePayloadData, "topic not allowed")
	}

	if err := sess.Connect(); err != nil {
		return err
	}

	rng := h.newRand()
	salt := ""

	for {
		searchURL := fmt.Sprintf(h.cfg.SearchURL, url.QueryEscape(topic+salt))
		log.Printf("subscribe %s: GET %s", sess.ID(), searchURL)

		var page searchPage
		if err := h.upstream.FetchJSON(ctx, searchURL, &page); err != nil {
			return fmt.Errorf("search %q: %w", topic, err)
		}

		for _, related := range page.RelatedTopics {
			if err := sess.Send(session.Message{Type: session.MessageTypeJSON, Data: related}); err != nil {
				if sessionEnded(err) {
					return nil
				}
				return err
			}

			// Mimic an intermittent data source.
			spread := h.cfg.SubscribeMaxDelay - h.cfg.SubscribeMinDelay
			delay := h.cfg.SubscribeMinDelay + time.Duration(rng.Float64()*float64(spread))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}

		// Salt the query so the next round returns fresh results.
		salt = " " + h.cfg.Topics[rng.Intn(len(h.cfg.Topics))]
	}
}
