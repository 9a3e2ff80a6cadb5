/*
Package storage defines the Store interface over the shared record
store and its error taxonomy.

The store holds three logical collections, all keyed per partition:

	raw records  — append-only documents with a lifecycle state
	aggregates   — compacted generations, append-only per partition
	checkpoints  — one durable compaction marker per partition

plus the archive collection holding exported cold data.

Every mutation is an atomic single-document write. That is the only
consistency primitive the compaction protocol relies on; there are no
multi-document transactions, which is what makes the protocol portable
across document stores.

Two backends ship with cairn:

  - memory: mutex-guarded maps, used in tests and development
  - badger: embedded BadgerDB (LSM tree) for single-node deployments

Transient failures surface as ErrUnavailable and are retried by the
caller with bounded backoff; missing documents surface as ErrNotFound
and are never retried.
*/
package storage
