// Package engine implements the simulated database host that query
// identifier tracking is loaded into.
//
// The host owns everything the tracker reads: the process table, the shared
// memory segment, the runtime settings registry and three interceptable
// lifecycle points (shared memory startup, post-parse analysis, executor
// start). Client statements run against SQLite through internal/store.
//
// LIFECYCLE:
//
//  1. New builds the process table from the host limits and enters preload.
//  2. LoadLibrary loads extensions; during preload they may install hooks and
//     request shared memory.
//  3. Start ends preload, creates the segment, runs the shmem-startup chain,
//     registers auxiliary processes and recovers prepared transactions.
//  4. Connect hands out regular slots to client backends.
//  5. Stop closes backends and unloads libraries in reverse load order.
//
// PROCESS TABLE:
//
// Regular backend slots come first (client connections occupy the lowest
// max_connections of them), then the five auxiliary processes, then one slot
// per max_prepared_transactions. Prepared slots never carry a pid.
//
// STATEMENT PIPELINE:
//
// Backend.Exec splits the client text at top-level semicolons. Each statement
// is located in the full text (location, length; the final unterminated
// statement has length 0) and classified. DML gets a native identifier from
// its jumbled text unless compute_query_id is off. The post-parse chain runs
// for every statement; DML and the inner statement of EXPLAIN then pass
// through the executor-start chain, whose base compiles the statement against
// SQLite.
//
// Process ids come from a monotonic Clock starting at the configured first
// pid; they are never reused within one server.
package engine
