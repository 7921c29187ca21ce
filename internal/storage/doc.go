// Package storage is the durable repository behind collection.
//
// It holds:
//   - content items, unique on (kind, external_id)
//   - daily aggregates, unique on date
//   - follower snapshots and competitor summaries
//   - keyed blobs (login sessions) and the operator audit log
//
// Every upsert is atomic per row; concurrent writers to the same key are
// serialized by SQLite.
package storage
