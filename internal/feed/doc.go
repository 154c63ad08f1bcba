// Package feed implements the per-broker feed bus: the daemon-side registry
// that owns broker quote streams, their shared-memory bar buffers, and the
// subscriber fan-out.
//
// One Bus exists per broker backend. A bus allocates at most one persistent
// feed per symbol regardless of how many concurrent callers race to start
// it; allocation requests are served strictly first come, first served.
// Once allocated a feed outlives its subscribers, so later opens are cheap
// attaches.
package feed
