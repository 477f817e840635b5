// Package ir provides the shared data model for ledgerops.
//
// This package contains type definitions and small pure helpers only. All
// other internal packages import ir; ir imports nothing internal. This keeps
// the data model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Operation parameters are a closed tagged union (one struct per kind)
//   - Instructions are opaque byte payloads; nothing here inspects them
//   - InstructionGroup order is a correctness invariant, never a convenience
//   - Compensation records are append-only; resolution is stored separately
//   - Ordering uses logical seq numbers, wall-clock time is informational
//   - All JSON and YAML tags use snake_case
package ir
