// Package followup implements a client-resident staleness cache and invalidation
// engine for follow-up tracking.
//
// It classifies tracked entities into time-based staleness buckets from the age of
// the entity and the age of its most recent recorded activity, and keeps that
// classification consistent while locally-originated optimistic mutations are still
// in flight.
//
// Features:
//
//  - TTL-bounded, version-tagged activity cache invalidated by a backend metadata
//    version counter instead of blind polling.
//  - Optimistic ledger overlaying unconfirmed local activities, reconciled against
//    the remote gateway with bounded retries and fallback eviction.
//  - Pure staleness classifier with a dual age threshold: days since last touch and
//    days since creation both have to clear a bucket boundary.
//  - Background runner with calculation tokens, superseded computations are dropped
//    instead of clobbering newer results.
//  - Push-driven invalidation through a pluggable change feed, with TTL as a
//    backstop for missed notifications.
//  - Allows logging, stats collection.
//  - Propagates context to allow better control of gateway and application components.
package followup
