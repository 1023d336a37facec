// Package indexer keeps the commitment tree in sync with the deposits of the
// mixer contract. Each cycle fetches the new contract events, parses the
// deposits, appends them in the order the contract assigned and pushes the
// new root on chain.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vocdoni/stx-mixer-relayer/crypto"
	"github.com/vocdoni/stx-mixer-relayer/events"
	"github.com/vocdoni/stx-mixer-relayer/log"
	"github.com/vocdoni/stx-mixer-relayer/metrics"
	"github.com/vocdoni/stx-mixer-relayer/stacks/rpc"
	"github.com/vocdoni/stx-mixer-relayer/storage"
	"github.com/vocdoni/stx-mixer-relayer/tree"
)

const (
	// DefaultPageSize is the largest page served by the Stacks API.
	DefaultPageSize = 50
	// DefaultInterval is the time between two cycles.
	DefaultInterval = 30 * time.Second
	// DefaultTimeout bounds every chain request of a cycle.
	DefaultTimeout = 20 * time.Second
)

var (
	// ErrTooManyEvents is returned when the cursor is not reached within
	// Config.MaxPages pages.
	ErrTooManyEvents = errors.New("cursor not reached within the page limit")
	// ErrDepositNotOnChain is returned by AddDeposit when no contract event
	// carries the commitment yet.
	ErrDepositNotOnChain = errors.New("deposit not found on chain")
)

// State is the step the indexer is running.
type State int32

const (
	Idle State = iota
	Fetching
	Parsing
	Reconciling
	UpdatingRoot
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Parsing:
		return "parsing"
	case Reconciling:
		return "reconciling"
	case UpdatingRoot:
		return "updating-root"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Chain is the access to the mixer contract used by the indexer. It is
// satisfied by *stacks.Contracts.
type Chain interface {
	Events(ctx context.Context, limit, offset int) ([]rpc.Event, error)
	CurrentRoot(ctx context.Context) (string, error)
	SubmitRootUpdate(ctx context.Context, root [32]byte) (string, error)
}

// Config holds the indexer options. Zero values take the defaults.
type Config struct {
	PageSize int
	// MaxPages bounds the pages read in one cycle, zero means no bound.
	MaxPages int
	Timeout  time.Duration
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Events     int
	Deposits   int
	Malformed  int
	Duplicates int
	Added      int
	FirstIndex uint64
	Root       string
	// RootUpdate is one of the metrics results, or empty if no update was
	// needed.
	RootUpdate string
	RootTxID   string
}

// Indexer appends the contract deposits to the tree. The cycles and the
// deposits added through AddDeposit are serialized by the same lock.
type Indexer struct {
	chain     Chain
	tree      *tree.Tree
	store     storage.LeafStore
	publisher *events.Publisher
	cfg       Config

	// mu serializes the cycles and the deposits.
	mu sync.Mutex
	// dirty is set when the tree holds leaves that could not be persisted.
	dirty bool

	// statusMu guards the fields below. They are written with mu held, so
	// the cycle reads them without statusMu.
	statusMu sync.RWMutex
	cursor   storage.Cursor
	// rootPending is set while the tree root is not known to be on chain.
	rootPending bool
	pendingRoot string

	state atomic.Int32
}

// New returns an indexer for the tree. The publisher may be nil.
func New(chain Chain, t *tree.Tree, store storage.LeafStore, publisher *events.Publisher, cfg Config) (*Indexer, error) {
	if chain == nil || t == nil || store == nil {
		return nil, fmt.Errorf("indexer requires a chain, a tree and a store")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Indexer{
		chain:     chain,
		tree:      t,
		store:     store,
		publisher: publisher,
		cfg:       cfg,
	}, nil
}

// Restore loads the persisted leaves into the tree and the cursor. An empty
// store is not an error, the indexer then scans from the first event.
func (ix *Indexer) Restore(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	snap, cursor, err := ix.store.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		log.Infow("no persisted state, indexing from the first event")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load persisted state: %w", err)
	}
	if err := ix.tree.Import(snap); err != nil {
		return fmt.Errorf("import persisted leaves: %w", err)
	}
	ix.setCursor(*cursor)
	metrics.TreeLeaves.Set(float64(len(snap.Leaves)))
	log.Infow("state restored",
		"leaves", len(snap.Leaves),
		"lastTxId", cursor.LastTxID,
		"lastEventIndex", cursor.LastEventIndex,
		"processed", cursor.Processed)
	return nil
}

// State returns the current step.
func (ix *Indexer) State() State {
	return State(ix.state.Load())
}

func (ix *Indexer) setState(s State) {
	ix.state.Store(int32(s))
}

// Cursor returns the last processed event. It does not wait for a running
// cycle.
func (ix *Indexer) Cursor() storage.Cursor {
	ix.statusMu.RLock()
	defer ix.statusMu.RUnlock()
	return ix.cursor
}

// PendingRoot returns the root waiting to be pushed on chain, if any. It
// does not wait for a running cycle.
func (ix *Indexer) PendingRoot() string {
	ix.statusMu.RLock()
	defer ix.statusMu.RUnlock()
	if !ix.rootPending {
		return ""
	}
	return ix.pendingRoot
}

func (ix *Indexer) setCursor(c storage.Cursor) {
	ix.statusMu.Lock()
	defer ix.statusMu.Unlock()
	ix.cursor = c
}

// setRootPending records whether root still has to be pushed on chain. An
// empty root keeps the last known one.
func (ix *Indexer) setRootPending(pending bool, root string) {
	ix.statusMu.Lock()
	defer ix.statusMu.Unlock()
	ix.rootPending = pending
	if root != "" {
		ix.pendingRoot = root
	}
}

// TryCycle runs a cycle unless one is already running, in which case it
// returns false.
func (ix *Indexer) TryCycle(ctx context.Context) (*CycleResult, bool, error) {
	if !ix.mu.TryLock() {
		log.Debugw("indexer busy, skipping cycle")
		metrics.IndexerCycles.WithLabelValues(metrics.ResultSkipped).Inc()
		return nil, false, nil
	}
	defer ix.mu.Unlock()
	res, err := ix.cycle(ctx)
	return res, true, err
}

// Cycle runs one indexing cycle, waiting for a running one to finish.
func (ix *Indexer) Cycle(ctx context.Context) (*CycleResult, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.cycle(ctx)
}

func (ix *Indexer) cycle(ctx context.Context) (*CycleResult, error) {
	defer ix.setState(Idle)
	res, err := ix.runCycle(ctx)
	if err != nil {
		metrics.IndexerCycles.WithLabelValues(metrics.ResultError).Inc()
		if ctx.Err() != nil {
			log.Debugw("indexer cycle interrupted", "error", err)
			return res, err
		}
		log.Warnw("indexer cycle failed", "error", err)
		return res, err
	}
	metrics.IndexerCycles.WithLabelValues(metrics.ResultOK).Inc()
	if res.Added == 0 && res.Malformed == 0 && res.RootUpdate == "" {
		log.Debugw("indexer cycle done", "events", res.Events, "duplicates", res.Duplicates)
		return res, nil
	}
	log.Infow("indexer cycle done",
		"events", res.Events,
		"deposits", res.Deposits,
		"added", res.Added,
		"duplicates", res.Duplicates,
		"malformed", res.Malformed,
		"root", res.Root,
		"rootUpdate", res.RootUpdate,
		"rootTxId", res.RootTxID)
	return res, nil
}

func (ix *Indexer) runCycle(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{}
	if ix.dirty {
		if err := ix.store.Save(ctx, ix.tree.Export(), &ix.cursor); err != nil {
			return res, fmt.Errorf("persist leaves: %w", err)
		}
		ix.dirty = false
	}

	ix.setState(Fetching)
	evs, err := ix.fetch(ctx)
	if err != nil {
		return res, err
	}
	res.Events = len(evs)

	ix.setState(Parsing)
	deposits := make([]*DepositEvent, 0, len(evs))
	// events are fetched newest first
	for i := len(evs) - 1; i >= 0; i-- {
		d, err := ParseDeposit(&evs[i])
		if err != nil {
			if !errors.Is(err, errNotDeposit) {
				res.Malformed++
				metrics.IndexerMalformedEvents.Inc()
				log.Warnw("skipping malformed deposit event",
					"txid", evs[i].TxID,
					"eventIndex", evs[i].EventIndex,
					"error", err)
			}
			continue
		}
		deposits = append(deposits, d)
	}
	res.Deposits = len(deposits)

	ix.setState(Reconciling)
	fresh, dups, err := reconcile(ix.tree, deposits)
	res.Duplicates = dups
	if err != nil {
		return res, err
	}
	if len(fresh) > 0 {
		commitments := make([]string, len(fresh))
		for i, d := range fresh {
			commitments[i] = d.Commitment
		}
		first, err := ix.tree.AddLeaves(commitments)
		if err != nil {
			return res, fmt.Errorf("append leaves: %w", err)
		}
		res.Added, res.FirstIndex = len(fresh), first
		ix.setRootPending(true, "")
		metrics.TreeLeaves.Set(float64(ix.tree.LeafCount()))
		ix.publishDeposits(ctx, fresh, first)
	}

	if len(evs) > 0 {
		cursor := storage.Cursor{
			LastTxID:        evs[0].TxID,
			LastEventIndex:  evs[0].EventIndex,
			LastBlockHeight: evs[0].BlockHeight,
			Processed:       ix.cursor.Processed + uint64(len(evs)),
		}
		if cursor.LastBlockHeight == 0 {
			cursor.LastBlockHeight = ix.cursor.LastBlockHeight
		}
		if err := ix.persist(ctx, res.Added, res.FirstIndex, &cursor); err != nil {
			return res, err
		}
	}

	if ix.rootPending {
		ix.setState(UpdatingRoot)
		res.Root, res.RootUpdate, res.RootTxID = ix.updateRoot(ctx)
	}
	return res, nil
}

// fetch returns the events newer than the cursor, newest first.
func (ix *Indexer) fetch(ctx context.Context) ([]rpc.Event, error) {
	var out []rpc.Event
	for page := 0; ix.cfg.MaxPages == 0 || page < ix.cfg.MaxPages; page++ {
		cctx, cancel := context.WithTimeout(ctx, ix.cfg.Timeout)
		evs, err := ix.chain.Events(cctx, ix.cfg.PageSize, page*ix.cfg.PageSize)
		cancel()
		if err != nil {
			return nil, err
		}
		for _, ev := range evs {
			if ix.cursor.LastTxID != "" && ev.TxID == ix.cursor.LastTxID && ev.EventIndex == ix.cursor.LastEventIndex {
				return out, nil
			}
			out = append(out, ev)
		}
		if len(evs) < ix.cfg.PageSize {
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w (%d pages)", ErrTooManyEvents, ix.cfg.MaxPages)
}

// persist stores the last added leaves with the new cursor. On failure the
// tree is marked dirty and fully saved on the next cycle.
func (ix *Indexer) persist(ctx context.Context, added int, first uint64, cursor *storage.Cursor) error {
	var leaves []string
	if added > 0 {
		leaves = ix.tree.Leaves()[first : first+uint64(added)]
	} else {
		first = ix.tree.LeafCount()
	}
	if err := ix.store.Append(ctx, ix.tree.Depth(), leaves, first, cursor); err != nil {
		if added > 0 {
			ix.dirty = true
		}
		return fmt.Errorf("persist leaves: %w", err)
	}
	ix.setCursor(*cursor)
	return nil
}

// updateRoot pushes the tree root on chain unless the contract already has
// it. A failure keeps the update pending for the next cycle.
func (ix *Indexer) updateRoot(ctx context.Context) (root, result, txID string) {
	root, count, err := ix.tree.RootAndCount()
	if err != nil {
		log.Errorw(err, "could not compute root")
		metrics.RootUpdates.WithLabelValues(metrics.ResultError).Inc()
		return "", metrics.ResultError, ""
	}
	ix.setRootPending(true, root)

	cctx, cancel := context.WithTimeout(ctx, ix.cfg.Timeout)
	defer cancel()
	onchain, err := ix.chain.CurrentRoot(cctx)
	if err != nil {
		log.Warnw("could not read on-chain root, retrying next cycle", "error", err)
		metrics.RootUpdates.WithLabelValues(metrics.ResultError).Inc()
		return root, metrics.ResultError, ""
	}
	if tree.SameRoot(onchain, root) {
		ix.setRootPending(false, root)
		metrics.RootUpdates.WithLabelValues(metrics.ResultSkipped).Inc()
		return root, metrics.ResultSkipped, ""
	}
	v, err := crypto.ParseFieldHex(root)
	if err != nil {
		log.Errorw(err, "invalid root")
		metrics.RootUpdates.WithLabelValues(metrics.ResultError).Inc()
		return root, metrics.ResultError, ""
	}
	var buf [32]byte
	copy(buf[:], crypto.FieldToBytes(v))
	txID, err = ix.chain.SubmitRootUpdate(cctx, buf)
	if err != nil {
		log.Warnw("root update failed, retrying next cycle", "root", root, "error", err)
		metrics.RootUpdates.WithLabelValues(metrics.ResultError).Inc()
		return root, metrics.ResultError, ""
	}
	ix.setRootPending(false, root)
	metrics.RootUpdates.WithLabelValues(metrics.ResultOK).Inc()
	log.Infow("root update submitted", "root", root, "leaves", count, "txid", txID)
	_ = ix.publisher.Publish(ctx, events.TopicRoots, &events.RootUpdate{Root: root, LeafCount: count, TxID: txID})
	return root, metrics.ResultOK, txID
}

func (ix *Indexer) publishDeposits(ctx context.Context, deposits []*DepositEvent, first uint64) {
	for i, d := range deposits {
		_ = ix.publisher.Publish(ctx, events.TopicDeposits, &events.Deposit{
			Commitment: d.Commitment,
			LeafIndex:  first + uint64(i),
			Amount:     d.Amount,
			TxID:       d.TxID,
			Source:     "chain",
		})
	}
}

// AddDeposit handles a deposit reported out of band. The leaf index is the
// one the contract assigned, so instead of appending the commitment it runs
// a cycle right away and looks the commitment up in the synced tree. It
// returns ErrDepositNotOnChain when no contract event carries the commitment
// yet, and the tree is left untouched.
func (ix *Indexer) AddDeposit(ctx context.Context, commitment string) (uint64, string, error) {
	key, _, err := tree.ParseCommitment(commitment)
	if err != nil {
		return 0, "", err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.tree.Contains(key) {
		return 0, "", fmt.Errorf("%w: %s", tree.ErrDuplicateCommitment, key)
	}
	if _, err := ix.cycle(ctx); err != nil {
		return 0, "", fmt.Errorf("sync deposits: %w", err)
	}
	idx, ok := ix.tree.IndexOf(key)
	if !ok {
		return 0, "", fmt.Errorf("%w: %s", ErrDepositNotOnChain, key)
	}
	root, err := ix.tree.Root()
	if err != nil {
		return 0, "", err
	}
	return idx, root, nil
}
