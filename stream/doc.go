package stream

/**
This package holds the replica's in-memory view of the replication log.

The log is a single append-only byte stream addressed by Position, an unbounded
offset that only grows. Stream keeps the most recent bytes in a fixed-size ring
buffer ("window"):

	   PersistedOnly        InMemoryAndPersisted     InMemoryOnly
	|-------------------|------------------------|------------------|
	start              head                  persisted            write

- The transfer receiver appends bytes at the write position. Append blocks
  while the window is full.
- The entry reader reads by position and releases what it has parsed with
  Consume.
- When persistence is enabled (an overflow file is attached), bytes leave the
  window only after they have been persisted, so any position between start
  and write can still be served either from memory or from the file. Reader
  hides which one.
*/
