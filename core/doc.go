// Package core contains the shared data model and infrastructure primitives
// used by every pipeline stage: the canonical event schema, alert rules and
// alerts, partition metadata, the rule filter language, and small reusable
// building blocks (worker pool, Redis cache, circuit breaker).
//
// Types in this package are wire/storage shapes. They carry no behavior beyond
// construction and validation; stage logic lives in the normalize, enrich,
// detect and storage packages.
package core
