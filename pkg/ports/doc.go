/*
Package ports defines the driven ports (interfaces) of the Canopy engine.

These interfaces decouple the orchestrator from external implementations,
allowing checkpoints to live in memory, on disk or in Redis, and session
exclusivity to extend across replicas via a distributed locker.

# Key Interfaces

  - CheckpointStore: durable, per-session, strictly step-ordered snapshots.
  - DistributedLocker: cross-process single-writer discipline per session.

The package also ships a reusable contract test suite
(RunCheckpointStoreContract) that every store adapter must pass.
*/
package ports
