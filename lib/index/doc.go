// Package index implements the index set of a distributed map.
//
// An index maps the value of one attribute to the keys whose records carry that
// value. Attributes are extracted from JSON values with a dotted path
// ("customer.address.city"); the pseudo attribute "__key" indexes the key itself.
// Values that are not JSON, or that do not contain the attribute, are simply not
// indexed under it.
//
// Two index types exist:
//
//   - ordered: a google/btree ordered by (attribute value, key); answers equality
//     and range lookups
//   - unordered: a hash of attribute value to key set; answers equality lookups
//     directly and range lookups by scanning its buckets
//
// An Indexes set belongs to one map and spans all its partitions on a node. It is
// updated synchronously by the record store inside every mutation, from many
// partition writers at once, so every index is internally synchronized.
//
// Indexes added at runtime start in a building state and are only offered to the
// query optimizer after MarkReady, once every partition has been backfilled.
package index
