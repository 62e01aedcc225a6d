package pub

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/polysentry/nonce-guard/pkg/signal"
)

type (
	FileSinkOpts struct {
		Path string
		Logg *slog.Logger
	}

	// fileSinkPub appends every signal as one JSON line to a local file.
	// It survives broker outages and gives operators a greppable audit
	// trail. Each append is a single write followed by fsync so a crash
	// can lose at most the line being written.
	fileSinkPub struct {
		mu   sync.Mutex
		f    *os.File
		logg *slog.Logger
	}
)

func NewFileSinkPub(o FileSinkOpts) (Pub, error) {
	if err := os.MkdirAll(filepath.Dir(o.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create signal sink dir: %w", err)
	}

	f, err := os.OpenFile(o.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open signal sink %s: %w", o.Path, err)
	}

	return &fileSinkPub{
		f:    f,
		logg: o.Logg,
	}, nil
}

func (p *fileSinkPub) Send(_ context.Context, sig signal.Signal) error {
	data, err := sig.Serialize()
	if err != nil {
		return fmt.Errorf("serialize signal: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return fmt.Errorf("signal sink is closed")
	}
	if _, err := p.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append signal: %w", err)
	}
	if err := p.f.Sync(); err != nil {
		return fmt.Errorf("sync signal sink: %w", err)
	}
	return nil
}

func (p *fileSinkPub) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return
	}
	if err := p.f.Close(); err != nil {
		p.logg.Error("signal sink close failed", "error", err)
	}
	p.f = nil
}

func (p *fileSinkPub) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f != nil
}
