package pattern

import (
	"context"
	"log"

	"github.com/duplexlab/wspatterns/internal/session"
	"github.com/gorilla/websocket"
)

// PingPong answers every "ping" with a "pong". Anything else is a protocol
// error and closes the connection with status 1002. A client disconnect
// simply ends the conversation.
func (h *Handlers) PingPong(ctx context.Context, sess *session.Session, _ Params) error {
	if err := sess.Connect(); err != nil {
		return err
	}

	for {
		ping, err := sess.ReceiveText()
		if err != nil {
			if sessionEnded(err) {
				return nil
			}
			return err
		}

		if ping != "ping" {
			log.Printf("ping-pong %s: client sent %q instead of 'ping'", sess.ID(), ping)
			return sess.Close(websocket.CloseProtocolError, "expected 'ping'")
		}

		if err := sess.SendText("pong"); err != nil {
			if sessionEnded(err) {
				return nil
			}
			return err
		}
	}
}
