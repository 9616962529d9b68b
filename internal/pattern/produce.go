package pattern

import (
	"context"
	"fmt"
	"strconv"

	"github.com/duplexlab/wspatterns/internal/session"
	"github.com/google/uuid"
)

// uuidName seeds the name-based UUID variants in the produced records.
const uuidName = "wspatterns websockets"

// Produce streams random integers to the client until it disconnects,
// paced by the configured producer interval.
func (h *Handlers) Produce(ctx context.Context, sess *session.Session, _ Params) error {
	if err := sess.Connect(); err != nil {
		return err
	}

	rng := h.newRand()
	for {
		if err := sess.SendText(strconv.Itoa(rng.Intn(1000001))); err != nil {
			if sessionEnded(err) {
				return nil
			}
			return err
		}
		if !pace(ctx, h.cfg.ProducerInterval) {
			return nil
		}
	}
}

// producedRecord is one random JSON document emitted by ProduceJSON. The
// uuid1 field changes with the clock, uuid4 with every record, while the
// name-based uuid3 and uuid5 fields are stable across records.
type producedRecord struct {
	Int   int    `json:"int"`
	UUID1 string `json:"uuid1"`
	UUID3 string `json:"uuid3"`
	UUID4 string `json:"uuid4"`
	UUID5 string `json:"uuid5"`
}

// ProduceJSON streams random JSON records to the client until it
// disconnects, paced by the configured producer interval.
func (h *Handlers) ProduceJSON(ctx context.Context, sess *session.Session, _ Params) error {
	if err := sess.Connect(); err != nil {
		return err
	}

	rng := h.newRand()
	for {
		u1, err := uuid.NewUUID()
		if err != nil {
			return fmt.Errorf("generate uuid1: %w", err)
		}

		rec := producedRecord{
			Int:   rng.Intn(1000001),
			UUID1: u1.String(),
			UUID3: uuid.NewMD5(uuid.NameSpaceDNS, []byte(uuidName)).String(),
			UUID4: uuid.New().String(),
			UUID5: uuid.NewSHA1(uuid.NameSpaceURL, []byte(uuidName)).String(),
		}

		if err := sess.SendJSON(rec); err != nil {
			if sessionEnded(err) {
				return nil
			}
			return err
		}
		if !pace(ctx, h.cfg.ProducerInterval) {
			return nil
		}
	}
}
