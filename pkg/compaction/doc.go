/*
Package compaction implements cairn's compaction engine: the component
that turns the append-only raw record stream into a reduced, queryable
representation without blocking ingestion or queries, and without
losing or duplicating data when interrupted.

# Why compaction?

Raw records accumulate forever. A partition ingesting a few records per
second holds millions of documents within weeks, and every read would
have to fold all of them. Compaction merges each partition's pending
records into a single aggregate document per cycle:

	raw records (pending) ──merge──> aggregate generation N+1
	                                  covers: every merged record id
	                                  payload: associative merge result

Reads then combine the latest aggregate with only the handful of
records ingested since the last cycle.

# The protocol

Each compaction task follows a strict order; every arrow is an atomic
single-document write:

	1. read pending records + previous aggregate
	2. compute new aggregate in memory        (no side effects)
	3. write aggregate (generation N+1)       ──durable──>
	4. write checkpoint (generation N+1)      ──durable──>
	5. mark merged records state=compacted    ──durable──>
	6. later: retirer marks them retired once past retention

Killing the process between any two steps is safe:

	before 3:   nothing written; next task recomputes from scratch
	3 and 4:    aggregate exists but checkpoint is stale; next task
	            verifies the aggregate via covers and resumes at 4,
	            it never recomputes or double-writes
	4 and 5:    records remain pending but are covered; the read path
	            prefers covers membership over record state, so they
	            are never double-counted, and the next task finishes
	            the marking

A checkpoint referencing a generation with no aggregate is corruption
(ErrCorruptCheckpoint): compaction for that partition halts until
manually reconciled. It is never auto-discarded.

# Scheduling

The Scheduler ticks on a jittered interval and selects partitions with
pending records that are either numerous enough (BatchThreshold) or
old enough (MaxDelay). One task per partition, tasks for different
partitions in parallel under a bounded worker pool, and a per-partition
try-lock guarantees at most one in-flight task per partition. A busy
partition is skipped for the tick, not queued.

# The merge function

Merging is pluggable through the Merger interface. The merge must be
associative and commutative so a fixed input set yields an identical
payload regardless of processing order; duplicate delivery is made
idempotent one level up, by the covers containment check. The default
CounterMerger sums flattened numeric fields, which satisfies all three
properties.

# Failure handling

Durable writes (steps 3-5) retry transient store failures with bounded
exponential backoff. When the retry budget runs out the task aborts,
releases its partition lock, and the partition is picked up again on
the next tick. Cancellation (shutdown) is honored only at step
boundaries, never mid-write.
*/
package compaction
