// Package events carries entry-change notifications from partition writers to
// subscribers such as near caches.
//
// Publishers never block: every Subscription owns an unbounded lock-free queue
// and exactly one consumer reads it through Events(). Unsubscribe stops the
// delivery and discards whatever was not consumed.
package events
