// Package tracker records, for every host process slot, the identifier of
// the statement that slot most recently parsed or started executing, and
// answers "what is process P running?" from any goroutine.
//
// # Lifecycle
//
// A Tracker is bound to a Host and loaded while the host is still in its
// preload phase. Load defines the queryid.track_utility setting, reserves
// registry space in the shared segment and installs three hooks, saving the
// chains they replace:
//
//   - shmem startup: attach (or re-attach) the registry region
//   - post-parse analyze (hook A): record the native id, the utility hash,
//     or an explicit 0
//   - executor start (hook B): after the older chain has built the plan,
//     record the plan's id, which is authoritative
//
// Unload restores the saved chains. Loading outside preload leaves the
// tracker inactive: hooks are not installed and Lookup returns 0.
//
// # Hook A policy
//
//	native id | command | track_utility | recorded
//	----------+---------+---------------+---------------------------
//	   != 0   |   any   |      any      | native id
//	     0    | utility |      on       | hash(trimmed text), 2 if 0
//	     0    | utility |      off      | 0
//	     0    |   DML   |      any      | 0
//
// # Lookup
//
// Lookup scans the process table in index order for the first live slot with
// the requested pid and returns its registry cell. A miss and a recorded 0
// both return 0; LookupSlot tells them apart.
package tracker
