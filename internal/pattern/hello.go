package pattern

import (
	"context"

	"github.com/duplexlab/wspatterns/internal/session"
)

// Hello connects, greets the client and returns, which closes the
// connection with a normal-closure frame.
func (h *Handlers) Hello(ctx context.Context, sess *session.Session, _ Params) error {
	if err := sess.Connect(); err != nil {
		return err
	}
	if err := sess.SendText("Hello World!"); err != nil {
		if sessionEnded(err) {
			return nil
		}
		return err
	}
	return nil
}
