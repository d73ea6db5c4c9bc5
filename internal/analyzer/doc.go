// Package analyzer defines the types and collaborator contracts shared by the
// batch analysis engine: work items discovered by a collaborator, the per-item
// metadata records persisted between runs, and the summaries handed back for
// reporting.
package analyzer
