package replication

/**
This package is the replica side of the WAL (Write Ahead Log) replication.
The master streams its log as a contiguous byte stream addressed by position,
and the replica acknowledges the positions it has safely taken over, so that
the master can commit semi-synchronously.

A Session owns the following goroutines:

- Receiver
	Reads the log bytes from the "new slave" channel and appends them to the
	in-memory stream. It blocks while the stream window is full.

- Overflow file flusher
	Copies the stream to segment files on disk so that the window can move on,
	and syncs them (every flush, or once per interval).

- Log consumer (fetch + apply)
	Cuts the stream into entries (16 byte header + payload), applies them in
	order and advances the applied position.

- Control sender
	Sends the latest safe position to the master on the "new slave control"
	channel, once per tick.

With AckOnApply, the applied position is acknowledged directly.
With AckOnFlush, the applied position is first handed to the overflow file,
which acknowledges min(applied, synced) whenever it advances.
*/
