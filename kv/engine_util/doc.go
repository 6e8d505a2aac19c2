// Package engine_util wraps the sorted-key engine behind column-family
// aware handles.
//
// The engine keeps a single ordered keyspace; column families are mapped
// onto it with a one-byte namespace prefix, so a logical key `k` in family
// `cf` is stored as `prefix(cf) || k`. All reads and writes in this package
// take plain (unprefixed) keys plus a family name.
//
// Reads run against the live engine or against a snapshot. Iterators hold a
// counted reference to their snapshot; the snapshot is released back to the
// engine when the last reference drops, on every exit path.
package engine_util
