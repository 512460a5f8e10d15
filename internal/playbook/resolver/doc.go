// Package resolver contains the step dependency resolver. It evaluates a
// playbook definition against an execution's results to decide which steps
// are runnable next and how far along the execution is. Everything here is
// pure: no I/O, no shared state.
package resolver
