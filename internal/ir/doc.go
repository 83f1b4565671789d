// Package ir provides the shared types for qidtrack: query identifiers,
// process slots, and the parse/plan records handed to lifecycle hooks.
//
// This package contains type definitions and pure functions only. All other
// internal packages import ir; ir imports nothing internal. This keeps it the
// foundational layer with no circular dependencies.
//
// Key constraints:
//   - QueryID 0 always means "nothing recorded"
//   - The utility-text hash never yields 0 (FallbackQueryID substitutes 2)
//   - Whitespace trimming follows the statement lexer, not unicode.IsSpace
//   - Proc.Index is stable for the lifetime of the host's process table
package ir
