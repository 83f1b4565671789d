// Package store is the SQLite execution backend of the simulated host.
//
// Client statements that reach the executor run here, and the host keeps its
// catalog of prepared transactions here so they survive a restart the way
// two-phase state does.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - a single connection, so statements from every backend are serialized
//
// Catalog tables are prefixed with qidtrack_ and listed in schema.sql.
// Catalog queries order by seq ASC, gid COLLATE BINARY ASC.
package store
