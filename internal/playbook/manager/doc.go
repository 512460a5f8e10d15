// Package manager implements the playbook execution state machine. It starts
// executions from catalog definitions, records step results in dependency
// order, enforces the status transition table and round-trips every write to
// an execution store. Instances are constructed explicitly and share nothing,
// so tests and tenants can run isolated managers side by side.
package manager
