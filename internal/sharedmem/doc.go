// Package sharedmem implements the cross-process OHLCV ring buffer.
//
// The buffer is a file under /dev/shm mapped into the writer process and any
// number of reader processes. A Token (key + dtype layout + capacity) is the
// only thing that crosses the IPC boundary; attaching by token requires no
// deserialization beyond interpreting the flat byte layout.
//
// Invariants:
//   - exactly one writer process per buffer; readers attach readonly
//   - records are fixed width, little endian
//   - the last-record cursor is published after the record bytes are
//     written, so readers always observe a consistent prefix
//   - prepend writes backward from the read start and never overlaps the
//     written region
package sharedmem
