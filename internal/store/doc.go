// Package store owns the authoritative local copy of every entity.
//
// A Store keeps one table per entity type plus a relationship index, both
// guarded by a single RWMutex: mutations run one at a time under the write
// lock inside Update, reads share the read lock inside View. Readers always
// receive deep copies, and scans iterate over a snapshot taken at call time.
//
// Committed changes are optionally written through to an ordered kv.Store as
// one atomic batch per transaction:
//
//	entity/<type>/<id>  ->  {"seq": <insertion ordinal>, "entity": {...}}
package store
