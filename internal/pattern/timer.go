package pattern

import (
	"context"
	"time"

	"github.com/duplexlab/wspatterns/internal/session"
)

// Timer sends the current time to the client once per configured interval
// until it disconnects.
func (h *Handlers) Timer(ctx context.Context, sess *session.Session, _ Params) error {
	if err := sess.Connect(); err != nil {
		return err
	}

	for {
		if err := sess.SendText(time.Now().Format(time.RFC3339Nano)); err != nil {
			if sessionEnded(err) {
				return nil
			}
			return err
		}
		if !pace(ctx, h.cfg.TimerInterval) {
			return nil
		}
	}
}
