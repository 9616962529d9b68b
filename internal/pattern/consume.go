package pattern

import (
	"context"
	"errors"
	"log"

	"github.com/duplexlab/wspatterns/internal/session"
)

// Consume accepts all incoming frames until the client closes the
// connection.
func (h *Handlers) Consume(ctx context.Context, sess *session.Session, _ Params) error {
	if err := sess.Connect(); err != nil {
		return err
	}

	for {
		msg, err := sess.Receive()
		if err != nil {
			if sessionEnded(err) {
				return nil
			}
			return err
		}
		log.Printf("consumer %s received: %s", sess.ID(), msg.Data)
	}
}

// ConsumeJSON accepts incoming JSON frames until the client closes the
// connection. Frames that do not parse are logged and dropped; the
// conversation keeps going.
func (h *Handlers) ConsumeJSON(ctx context.Context, sess *session.Session, _ Params) error {
	if err := sess.Connect(); err != nil {
		return err
	}

	for {
		var data interface{}
		if err := sess.ReceiveJSON(&data); err != nil {
			var de *session.DecodeError
			if errors.As(err, &de) {
				log.Printf("consumer of json %s: dropping malformed frame: %v", sess.ID(), de)
				continue
			}
			if sessionEnded(err) {
				return nil
			}
			return err
		}
		log.Printf("consumer of json %s consumed: %v", sess.ID(), data)
	}
}
