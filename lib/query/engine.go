package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("query")

var (
	// ErrIncompleteResult is matched by every *PartitionError.
	ErrIncompleteResult = errors.New("query result incomplete")
	// ErrUnsupportedPredicate is returned for predicates that cannot leave the process.
	ErrUnsupportedPredicate = errors.New("predicate cannot be serialized")
)

// PartitionError lists the partitions a query could not evaluate.
type PartitionError struct {
	Partitions []int
	Causes     map[int]string
}

func (e *PartitionError) Error() string {
	parts := make([]string, 0, len(e.Partitions))
	for _, p := range e.Partitions {
		if c, ok := e.Causes[p]; ok && c != "" {
			parts = append(parts, fmt.Sprintf("%d (%s)", p, c))
		} else {
			parts = append(parts, fmt.Sprintf("%d", p))
		}
	}
	return fmt.Sprintf("%s: %d partition(s) failed: %s", ErrIncompleteResult, len(e.Partitions), strings.Join(parts, ", "))
}

// Is makes errors.Is(err, ErrIncompleteResult) hold.
func (e *PartitionError) Is(target error) bool {
	return target == ErrIncompleteResult
}

// ----------------------------------------------------------------------------
// Partition access
// ----------------------------------------------------------------------------

// PartitionView reads the live records of one partition of one map.
type PartitionView interface {
	// Get returns the live entry of key without touching access statistics.
	Get(key []byte) (Entry, bool)
	// Range visits every live entry until fn returns false.
	Range(fn func(Entry) bool)
}

// PartitionSource gives the engine access to the partitions of a member.
type PartitionSource interface {
	// Partitions returns the partitions to evaluate.
	Partitions() []int
	PartitionFor(key []byte) int
	// WithPartition runs fn inside the partition's single-writer region.
	WithPartition(ctx context.Context, partition int, fn func(PartitionView) error) error
}

// EvaluatePartition returns the entries of one partition matching p. When
// candidates is non-nil only those keys are looked at.
func EvaluatePartition(view PartitionView, p *Predicate, candidates [][]byte) []Entry {
	var out []Entry
	if candidates != nil {
		for _, k := range candidates {
			if e, ok := view.Get(k); ok && p.Match(e) {
				out = append(out, e)
			}
		}
		return out
	}
	view.Range(func(e Entry) bool {
		if p.Match(e) {
			out = append(out, e)
		}
		return true
	})
	return out
}

// ----------------------------------------------------------------------------
// Engine
// ----------------------------------------------------------------------------

// Partial is the result of one member: the entries of the partitions it
// evaluated and the partitions that failed.
type Partial struct {
	Partitions []int          `json:"partitions"`
	Entries    []Entry        `json:"entries"`
	Failed     map[int]string `json:"failed,omitempty"`
}

// Engine evaluates predicates over the partitions of a source.
//
// Thread-safety: Query may be called concurrently.
type Engine struct {
	source      PartitionSource
	parallelism int
}

// NewEngine creates an engine running at most parallelism partitions at once
// (0 means one per partition).
func NewEngine(source PartitionSource, parallelism int) *Engine {
	return &Engine{source: source, parallelism: parallelism}
}

// Query optimizes p for indexes and evaluates it on every partition of the
// source. Per-partition failures end up in Partial.Failed; the error is only
// set if the query could not start.
func (e *Engine) Query(ctx context.Context, p *Predicate, indexes IndexSet) (Partial, error) {
	if err := ctx.Err(); err != nil {
		return Partial{}, err
	}
	optimized := Optimize(p, indexes)

	// index candidates are resolved once and split by partition
	var byPartition map[int][][]byte
	if keys, ok := Candidates(optimized, indexes); ok {
		byPartition = make(map[int][][]byte)
		for _, k := range keys {
			pid := e.source.PartitionFor([]byte(k))
			byPartition[pid] = append(byPartition[pid], []byte(k))
		}
		Logger.Debugf("query %s: %d index candidates", optimized, len(keys))
	}

	var (
		mu     sync.Mutex
		result = Partial{Failed: make(map[int]string)}
	)
	g := new(errgroup.Group)
	if e.parallelism > 0 {
		g.SetLimit(e.parallelism)
	}
	for _, pid := range e.source.Partitions() {
		g.Go(func() error {
			var candidates [][]byte
			if byPartition != nil {
				candidates = byPartition[pid]
				if candidates == nil {
					candidates = [][]byte{}
				}
			}
			var matched []Entry
			err := e.source.WithPartition(ctx, pid, func(view PartitionView) error {
				matched = EvaluatePartition(view, optimized, candidates)
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[pid] = err.Error()
				return nil
			}
			for i := range matched {
				matched[i].Partition = pid
			}
			result.Partitions = append(result.Partitions, pid)
			result.Entries = append(result.Entries, matched...)
			return nil
		})
	}
	_ = g.Wait()
	sort.Ints(result.Partitions)
	if len(result.Failed) == 0 {
		result.Failed = nil
	}
	return result, nil
}

// Merge combines the partials of all members into the entries of total
// partitions. A partition reported twice (migration during the query) counts
// once, the first report wins. Partitions neither reported nor failed are
// treated as failed, so the result is either complete or a *PartitionError.
// The entries gathered so far are returned with the error.
func Merge(total int, partials []Partial) ([]Entry, error) {
	claimed := make(map[int]bool, total)
	failed := make(map[int]string)
	var out []Entry
	for _, part := range partials {
		fresh := make(map[int]bool, len(part.Partitions))
		for _, pid := range part.Partitions {
			if !claimed[pid] {
				fresh[pid] = true
			}
		}
		for _, e := range part.Entries {
			if fresh[e.Partition] {
				out = append(out, e)
			}
		}
		for pid := range fresh {
			claimed[pid] = true
		}
		for pid, cause := range part.Failed {
			failed[pid] = cause
		}
	}

	perr := &PartitionError{Causes: make(map[int]string)}
	for pid := 0; pid < total; pid++ {
		if claimed[pid] {
			continue
		}
		perr.Partitions = append(perr.Partitions, pid)
		if cause, ok := failed[pid]; ok {
			perr.Causes[pid] = cause
		} else {
			perr.Causes[pid] = "no member reported the partition"
		}
	}
	if len(perr.Partitions) > 0 {
		return out, perr
	}
	return out, nil
}
