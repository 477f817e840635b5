// Package simchain is an in-memory ledger that implements every chain
// collaborator: encoder, signer, atomic and standard channels, readers
// and the metadata rollback hook.
//
// Transactions apply to a cloned state and commit only if every
// instruction succeeds, so a transaction (and a bundle) is all-or-nothing.
// Failures are scripted per bundle submission and per group label, which
// lets tests drive every retry, fallback and rollback path
// deterministically.
package simchain
