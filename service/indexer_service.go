package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vocdoni/stx-mixer-relayer/indexer"
	"github.com/vocdoni/stx-mixer-relayer/log"
)

// Cycler runs one indexer cycle unless another one is in progress. It is
// satisfied by *indexer.Indexer.
type Cycler interface {
	TryCycle(ctx context.Context) (*indexer.CycleResult, bool, error)
}

// IndexerService polls the mixer contract events on a fixed interval. A
// cycle never overlaps with the previous one.
type IndexerService struct {
	indexer  Cycler
	interval time.Duration
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewIndexer creates the indexer service. A zero interval uses
// indexer.DefaultInterval.
func NewIndexer(ix Cycler, interval time.Duration) *IndexerService {
	if interval <= 0 {
		interval = indexer.DefaultInterval
	}
	return &IndexerService{
		indexer:  ix,
		interval: interval,
	}
}

// Start runs a first cycle right away and then one every interval. It
// returns an error if the service is already running.
func (is *IndexerService) Start(ctx context.Context) error {
	is.mu.Lock()
	defer is.mu.Unlock()

	if is.cancel != nil {
		return fmt.Errorf("service already running")
	}
	ctx, is.cancel = context.WithCancel(ctx)
	is.done = make(chan struct{})
	go is.run(ctx, is.done)
	log.Infow("indexer service started", "interval", is.interval.String())
	return nil
}

// Stop halts the service and waits for the running cycle to finish.
func (is *IndexerService) Stop() {
	is.mu.Lock()
	defer is.mu.Unlock()

	if is.cancel != nil {
		is.cancel()
		<-is.done
		is.cancel = nil
	}
}

func (is *IndexerService) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(is.interval)
	defer ticker.Stop()
	for {
		// the indexer logs the outcome
		_, _, _ = is.indexer.TryCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
