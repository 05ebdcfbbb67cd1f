// Package servicenow is a client library for a multi-tenant
// configuration/CMDB service exposed over an HTTP+JSON REST API, with a
// secondary XML schema endpoint. Callers describe a desired state —
// tables, columns, choice lists, data policies, relationships, and row
// sets — and Client reconciles the remote instance to match it.
//
// The package is a thin aggregate over its sub-packages: transport
// executes one HTTP call, ratelimit bounds concurrency, schema caches
// table dictionaries, coerce converts between typed and wire row
// values, gateway is the single validated entry point, reconcile plans
// structural diffs (tables, columns, choices, data policies,
// relationships), and rowmerge reconciles row sets. Client wires all of
// them from one Config.
package servicenow
