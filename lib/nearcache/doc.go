// Package nearcache implements the client side near cache of a map.
//
// A near cache keeps values fetched from the cluster close to the caller. It is
// best-effort and eventually consistent: server-side changes arrive as
// invalidation events on their own channel and are applied by Run, in whatever
// order they come.
//
// Remote reads go through a reservation: Reserve before the read, Publish the
// result afterwards. Any invalidation of the key in between drops the
// reservation, so a value read before a concurrent write can never be cached
// after that write invalidated the key.
//
// Absent keys are cached too, as a null marker: a HitNull lookup answers "key
// absent" without a round trip.
package nearcache
