// Package broker defines the contract a market backend must satisfy to be
// hosted by the feed bus, and a registry mapping broker names to backend
// constructors. Backends live in subpackages and register themselves in
// init, database/sql style.
package broker
