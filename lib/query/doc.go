// Package query evaluates predicates over the records of a distributed map.
//
// Predicates are immutable trees of tagged variants (equal, range, and, or, not,
// ...). Optimize is a pure function that rewrites a predicate for the indexes at
// hand: it never changes which entries match, only how the candidates are found.
// Indexed variants are answered from an index, everything else by scanning.
//
// Evaluation happens per partition. The Engine fans out over the partitions
// owned by one member; Merge combines the partial results of all members and
// refuses to hide a missing partition: the result is complete or the error says
// which partitions failed.
//
// PagingPredicate sorts the merged entries (comparator or attribute, ties broken
// by key bytes), cuts out one page and remembers an anchor per page, so that
// walking pages forward is stable. Sorting happens before the projection to
// keys or values.
package query
