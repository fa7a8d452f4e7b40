// Package confirm polls an address's recent transactions until a just-submitted
// payload shows up. Purely observational: it never writes anything, it only
// answers "has my write propagated yet".
package confirm

import (
	"bytes"
	"context"
	"time"

	"dag-bbs/client-go/forum/dagnode"
)

const (
	DefaultInterval   = 2 * time.Second
	DefaultProbeLimit = 10
)

// Fetch is the small-window probe; the poller only ever needs the handful of
// most recent transactions.
type Fetch func(ctx context.Context, address string, limit int) ([]dagnode.Transaction, error)

type Poller struct {
	Fetch Fetch
	// Interval between probes; defaults to DefaultInterval.
	Interval time.Duration
	// ProbeLimit is the window size per probe; defaults to DefaultProbeLimit.
	ProbeLimit int
}

// Verify scans address's recent transactions for one whose raw payload equals
// payload, probing at the configured interval until timeout elapses. It
// returns the hosting transaction id on the first match. The deadline is
// wall-clock: a probe already in flight when time runs out still gets to
// report its result. Probe failures are tolerated and retried.
func (p *Poller) Verify(ctx context.Context, address string, payload []byte, timeout time.Duration) (bool, string, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	limit := p.ProbeLimit
	if limit <= 0 {
		limit = DefaultProbeLimit
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		window, err := p.Fetch(ctx, address, limit)
		if err == nil {
			for _, tx := range window {
				if bytes.Equal(tx.Payload, payload) {
					return true, tx.ID, nil
				}
			}
		}

		if !time.Now().Before(deadline) {
			return false, "", nil
		}
		select {
		case <-ctx.Done():
			return false, "", ctx.Err()
		case <-ticker.C:
		}
	}
}
