// Package storage persists bar history to TimescaleDB. It backs the feed
// bus's long history: the shared buffer holds the hot window, the bars
// hypertable holds everything older.
package storage
