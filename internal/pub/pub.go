package pub

import (
	"context"
	"errors"
	"log/slog"

	"github.com/polysentry/nonce-guard/pkg/signal"
)

type Pub interface {
	Send(context.Context, signal.Signal) error
	Close()
	Healthy() bool
}

type fanoutPub struct {
	sinks []Pub
	logg  *slog.Logger
}

// NewFanout returns a Pub that delivers every signal to all sinks. A sink
// failure does not block the others; the joined error is returned so the
// caller can decide whether to requeue.
func NewFanout(logg *slog.Logger, sinks ...Pub) Pub {
	return &fanoutPub{
		sinks: sinks,
		logg:  logg,
	}
}

func (f *fanoutPub) Send(ctx context.Context, sig signal.Signal) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Send(ctx, sig); err != nil {
			f.logg.Error("signal sink delivery failed", "code", sig.Code, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanoutPub) Close() {
	for _, s := range f.sinks {
		s.Close()
	}
}

func (f *fanoutPub) Healthy() bool {
	for _, s := range f.sinks {
		if !s.Healthy() {
			return false
		}
	}
	return true
}
