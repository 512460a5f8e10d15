// Package playbook defines the data model shared by the catalog, resolver
// and manager: immutable playbook definitions, tenant-scoped executions, the
// execution status transition table and the structured error taxonomy.
package playbook
