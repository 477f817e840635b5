// Package chain declares the external ledger collaborators the
// orchestration core consumes, and the error taxonomy every component
// classifies failures into.
//
// The core never inspects instruction contents. Everything ledger-specific
// (instruction encoding, key custody, metadata storage, the submission
// channels themselves) sits behind the interfaces in this package. The
// simchain subpackage provides an in-memory ledger implementing all of
// them for tests, the CLI and the scenario harness.
package chain
