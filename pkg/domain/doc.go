/*
Package domain contains the core types of the Canopy engine: checkpoints,
run status, execution history, failure reasons and the sentinel errors
shared by the orchestrator, the session manager and the storage adapters.

It has no dependencies on other Canopy packages so that adapters and hosts
can exchange these values freely.
*/
package domain
