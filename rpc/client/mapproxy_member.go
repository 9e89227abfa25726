package client

import (
	"context"
	"time"

	"github.com/ValentinKolb/dMap/lib/mapservice"
	"github.com/ValentinKolb/dMap/lib/query"
	"github.com/ValentinKolb/dMap/rpc/common"
	"github.com/cockroachdb/errors"
)

// maxQueryRetries bounds the attempts of a query that missed partitions
const maxQueryRetries = 3

// --------------------------------------------------------------------------
// Member scoped operations
// --------------------------------------------------------------------------

// broadcast sends req to every member and fails if any member failed
func (m *MapProxy) broadcast(ctx context.Context, req *common.Message) error {
	_, err := m.broadcastResults(ctx, req)
	return err
}

func (m *MapProxy) broadcastResults(ctx context.Context, req *common.Message) ([]MemberResult, error) {
	if m.client.closed.Load() {
		return nil, ErrClientClosed
	}
	req.Owner = m.client.id
	results, err := m.client.inv.InvokeOnAllMembers(ctx, req)
	if err != nil {
		return nil, err
	}
	return results, firstError(results)
}

// sumCounts broadcasts req and adds up the counts of the members
func (m *MapProxy) sumCounts(ctx context.Context, req *common.Message) (int, error) {
	results, err := m.broadcastResults(ctx, req)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, r := range results {
		total += int(r.Resp.Count)
	}
	return total, nil
}

// Size returns the number of entries in the map.
func (m *MapProxy) Size(ctx context.Context) (int, error) {
	return m.sumCounts(ctx, common.NewMapRequest(common.MsgTSize, m.name))
}

// IsEmpty reports whether the map has no entries.
func (m *MapProxy) IsEmpty(ctx context.Context) (bool, error) {
	n, err := m.Size(ctx)
	return n == 0, err
}

// ContainsValue reports whether any entry holds value.
func (m *MapProxy) ContainsValue(ctx context.Context, value []byte) (bool, error) {
	req := common.NewMapRequest(common.MsgTContainsValue, m.name)
	req.Value = value
	results, err := m.broadcastResults(ctx, req)
	if err != nil {
		return false, err
	}
	for _, r := range results {
		if r.Resp.Ok {
			return true, nil
		}
	}
	return false, nil
}

// Clear removes every entry, including it from the map store. It returns
// the number of removed entries.
func (m *MapProxy) Clear(ctx context.Context) (int, error) {
	m.invalidateAll()
	return m.sumCounts(ctx, common.NewMapRequest(common.MsgTClear, m.name))
}

// EvictAll drops every unlocked entry from memory without touching the map
// store. It returns the number of evicted entries.
func (m *MapProxy) EvictAll(ctx context.Context) (int, error) {
	m.invalidateAll()
	return m.sumCounts(ctx, common.NewMapRequest(common.MsgTEvictAll, m.name))
}

// Flush writes the pending write-behind entries of every member to the map store.
func (m *MapProxy) Flush(ctx context.Context) error {
	return m.broadcast(ctx, common.NewMapRequest(common.MsgTFlush, m.name))
}

// LoadAll loads keys from the map store, all keys of the store if keys is
// nil. With replace, entries already in memory are overwritten. It returns
// the number of loaded entries.
func (m *MapProxy) LoadAll(ctx context.Context, keys [][]byte, replace bool) (int, error) {
	if replace {
		if keys == nil {
			m.invalidateAll()
		} else {
			m.invalidate(keys...)
		}
	}
	req := common.NewMapRequest(common.MsgTLoadAll, m.name)
	req.Keys = keys
	req.Ok = replace
	return m.sumCounts(ctx, req)
}

// AddIndex adds an index over attribute on every member. An ordered index
// serves range predicates too.
func (m *MapProxy) AddIndex(ctx context.Context, attribute string, ordered bool) error {
	req := common.NewMapRequest(common.MsgTAddIndex, m.name)
	if err := req.SetPayload(common.IndexPayload{Attribute: attribute, Ordered: ordered}); err != nil {
		return err
	}
	return m.broadcast(ctx, req)
}

// MapStats returns the statistics of the map, one per member.
func (m *MapProxy) MapStats(ctx context.Context) ([]mapservice.MapStats, error) {
	results, err := m.broadcastResults(ctx, common.NewMapRequest(common.MsgTMapStats, m.name))
	if err != nil {
		return nil, err
	}
	out := make([]mapservice.MapStats, 0, len(results))
	for _, r := range results {
		var stats mapservice.MapStats
		if err := r.Resp.DecodePayload(&stats); err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	return out, nil
}

// LocalMapStats is a member side operation and not available to clients.
func (m *MapProxy) LocalMapStats() (mapservice.MapStats, error) {
	return mapservice.MapStats{}, errors.Wrap(ErrUnsupportedOperation, "local map stats")
}

// LocalKeySet is a member side operation and not available to clients.
func (m *MapProxy) LocalKeySet(ctx context.Context) ([][]byte, error) {
	return nil, errors.Wrap(ErrUnsupportedOperation, "local key set")
}

// AddLocalEntryListener is a member side operation and not available to clients.
func (m *MapProxy) AddLocalEntryListener(ctx context.Context) error {
	return errors.Wrap(ErrUnsupportedOperation, "local entry listener")
}

// --------------------------------------------------------------------------
// Queries
// --------------------------------------------------------------------------

// KeySet returns the keys of the entries matching p, every key if p is nil.
func (m *MapProxy) KeySet(ctx context.Context, p *query.Predicate) ([][]byte, error) {
	entries, err := m.query(ctx, p, nil, query.IterKeys)
	if err != nil {
		return nil, err
	}
	return query.Keys(entries), nil
}

// Values returns the values of the entries matching p.
func (m *MapProxy) Values(ctx context.Context, p *query.Predicate) ([][]byte, error) {
	entries, err := m.query(ctx, p, nil, query.IterValues)
	if err != nil {
		return nil, err
	}
	return query.Values(entries), nil
}

// EntrySet returns the entries matching p.
func (m *MapProxy) EntrySet(ctx context.Context, p *query.Predicate) ([]query.Entry, error) {
	return m.query(ctx, p, nil, query.IterEntries)
}

// KeySetPage returns the keys of the current page of pp.
func (m *MapProxy) KeySetPage(ctx context.Context, pp *query.PagingPredicate) ([][]byte, error) {
	entries, err := m.page(ctx, pp)
	if err != nil {
		return nil, err
	}
	return query.Keys(entries), nil
}

// ValuesPage returns the values of the current page of pp.
func (m *MapProxy) ValuesPage(ctx context.Context, pp *query.PagingPredicate) ([][]byte, error) {
	entries, err := m.page(ctx, pp)
	if err != nil {
		return nil, err
	}
	return query.Values(entries), nil
}

// EntrySetPage returns the entries of the current page of pp.
func (m *MapProxy) EntrySetPage(ctx context.Context, pp *query.PagingPredicate) ([]query.Entry, error) {
	return m.page(ctx, pp)
}

// page asks every member for its share of the page and cuts the page out of
// the pooled matches. Sorting needs full entries, projections happen after.
func (m *MapProxy) page(ctx context.Context, pp *query.PagingPredicate) ([]query.Entry, error) {
	if pp == nil {
		return nil, errors.New("paging predicate must not be nil")
	}
	var window *query.Window
	if w, ok := pp.Window(); ok {
		window = &w
	}
	entries, err := m.query(ctx, pp.Inner, window, query.IterEntries)
	if err != nil {
		return nil, err
	}
	return pp.Apply(entries), nil
}

// query evaluates p on every member and merges the partials. If a partition
// was missed (member left, partition migrating) the table is refreshed and
// the query repeated.
func (m *MapProxy) query(ctx context.Context, p *query.Predicate, w *query.Window, it query.IterationType) ([]query.Entry, error) {
	if m.client.closed.Load() {
		return nil, ErrClientClosed
	}
	if p == nil {
		p = query.True()
	}
	encoded, err := query.Encode(p)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxQueryRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, routeBackoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
			if err := m.client.inv.Refresh(ctx); err != nil {
				return nil, errors.CombineErrors(lastErr, err)
			}
		}
		table, err := m.client.table(ctx)
		if err != nil {
			return nil, err
		}

		req := common.NewMapRequest(common.MsgTQuery, m.name)
		if err := req.SetPayload(common.QueryPayload{Predicate: encoded, Window: w, Iteration: it}); err != nil {
			return nil, err
		}
		results, err := m.client.inv.InvokeOnAllMembers(ctx, req)
		if err != nil {
			return nil, err
		}

		partials := make([]query.Partial, 0, len(results))
		for _, r := range results {
			if r.Err != nil {
				// the partitions of a lost member show up as missing in Merge
				if transient(r.Err) {
					Logger.Debugf("query of %q at %s failed: %v", m.name, r.Member.ID, r.Err)
					continue
				}
				return nil, errors.Wrapf(r.Err, "member %s", r.Member.ID)
			}
			var partial query.Partial
			if err := r.Resp.DecodePayload(&partial); err != nil {
				return nil, err
			}
			partials = append(partials, partial)
		}

		entries, err := query.Merge(table.Count(), partials)
		if err == nil {
			return entries, nil
		}
		if !errors.Is(err, query.ErrIncompleteResult) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// transient reports errors after which the request may succeed elsewhere
func transient(err error) bool {
	return errors.Is(err, mapservice.ErrUnreachable) ||
		errors.Is(err, mapservice.ErrWrongTarget) ||
		errors.Is(err, mapservice.ErrNodeClosed)
}
