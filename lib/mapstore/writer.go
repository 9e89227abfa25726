package mapstore

import (
	"context"
	"sync"
	"time"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("mapstore")

// Writer forwards mutations to a MapStore, either synchronously or batched.
//
// Thread-safety: all methods are safe for concurrent use.
type Writer struct {
	store     MapStore
	delay     time.Duration
	batchSize int
	timeout   time.Duration

	// write-behind state
	mu      sync.Mutex
	pending map[string]pendingOp
	order   []string
	flushMu sync.Mutex
	stop    chan struct{}
	done    chan struct{}
}

type pendingOp struct {
	value  []byte
	delete bool
}

// NewWriter creates a writer for cfg. For write-behind configs it starts the
// flush goroutine, call Close to stop it. timeout bounds every store call.
func NewWriter(store MapStore, cfg config.MapStoreConfig, timeout time.Duration) *Writer {
	w := &Writer{
		store:     store,
		delay:     cfg.WriteDelay,
		batchSize: cfg.WriteBatchSize,
		timeout:   timeout,
		pending:   make(map[string]pendingOp),
	}
	if w.batchSize <= 0 {
		w.batchSize = 100
	}
	if cfg.WriteBehind() {
		w.stop = make(chan struct{})
		w.done = make(chan struct{})
		go w.run()
	}
	return w
}

// Store is the MapStore behind the writer.
func (w *Writer) Store() MapStore {
	return w.store
}

// WriteBehind reports whether store calls are queued.
func (w *Writer) WriteBehind() bool {
	return w.stop != nil
}

// Put forwards a store call. Write-through errors are returned to the caller.
func (w *Writer) Put(ctx context.Context, key, value []byte) error {
	if w.WriteBehind() {
		w.enqueue(string(key), pendingOp{value: append([]byte(nil), value...)})
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return errors.Wrapf(w.store.Store(ctx, key, value), "map store: store %q", key)
}

// Delete forwards a delete call. Write-through errors are returned to the caller.
func (w *Writer) Delete(ctx context.Context, key []byte) error {
	if w.WriteBehind() {
		w.enqueue(string(key), pendingOp{delete: true})
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return errors.Wrapf(w.store.Delete(ctx, key), "map store: delete %q", key)
}

// Load reads through to the store.
func (w *Writer) Load(ctx context.Context, key []byte) ([]byte, bool, error) {
	if w.WriteBehind() {
		w.mu.Lock()
		op, queued := w.pending[string(key)]
		w.mu.Unlock()
		if queued {
			return op.value, !op.delete, nil
		}
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	v, ok, err := w.store.Load(ctx, key)
	return v, ok, errors.Wrapf(err, "map store: load %q", key)
}

// Pending returns the number of queued operations.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Writer) enqueue(key string, op pendingOp) {
	w.mu.Lock()
	if _, queued := w.pending[key]; !queued {
		w.order = append(w.order, key)
	}
	w.pending[key] = op
	w.mu.Unlock()
}

// Flush writes every queued operation now.
func (w *Writer) Flush(ctx context.Context) error {
	if !w.WriteBehind() {
		return nil
	}
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	for {
		w.mu.Lock()
		n := min(len(w.order), w.batchSize)
		if n == 0 {
			w.mu.Unlock()
			return nil
		}
		keys := w.order[:n]
		w.order = w.order[n:]
		stores := make(map[string][]byte)
		var deletes [][]byte
		for _, k := range keys {
			op := w.pending[k]
			delete(w.pending, k)
			if op.delete {
				deletes = append(deletes, []byte(k))
			} else {
				stores[k] = op.value
			}
		}
		w.mu.Unlock()

		if err := w.writeBatch(ctx, stores, deletes); err != nil {
			// put the batch back unless a newer operation replaced it meanwhile
			w.mu.Lock()
			for k, v := range stores {
				if _, newer := w.pending[k]; !newer {
					w.pending[k] = pendingOp{value: v}
					w.order = append(w.order, k)
				}
			}
			for _, k := range deletes {
				if _, newer := w.pending[string(k)]; !newer {
					w.pending[string(k)] = pendingOp{delete: true}
					w.order = append(w.order, string(k))
				}
			}
			w.mu.Unlock()
			return err
		}
	}
}

func (w *Writer) writeBatch(ctx context.Context, stores map[string][]byte, deletes [][]byte) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if len(stores) > 0 {
		if err := w.store.StoreAll(ctx, stores); err != nil {
			return errors.Wrapf(err, "map store: store batch of %d", len(stores))
		}
	}
	if len(deletes) > 0 {
		if err := w.store.DeleteAll(ctx, deletes); err != nil {
			return errors.Wrapf(err, "map store: delete batch of %d", len(deletes))
		}
	}
	return nil
}

func (w *Writer) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.delay)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Flush(context.Background()); err != nil {
				Logger.Warningf("write-behind flush failed, retrying next round: %v", err)
			}
		}
	}
}

// Close stops the flush goroutine and drains the queue.
func (w *Writer) Close(ctx context.Context) error {
	if !w.WriteBehind() {
		return nil
	}
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
	return w.Flush(ctx)
}
