// Package harness runs ledgerops scenarios against the simulated chain.
//
// A scenario funds wallets, scripts chain failures, executes a flow of
// operations and rollbacks through a real Orchestrator, and checks the
// results, the event trace and the final SQLite state.
//
// # Scenario Format
//
//	name: fallback_then_rollback
//	description: "Three rejected bundles, then the mint group fails on-chain"
//	wallets:
//	  - name: payer
//	    native: 10000000000
//	mints:
//	  - name: usd
//	    authority: payer
//	    decimals: 6
//	    holders: { payer: 5000000 }
//	chain:
//	  atomic_channel: true
//	  bundles: [BundleRejected, BundleRejected, BundleRejected]
//	  failures:
//	    - group: mint
//	      stage: execute
//	flow:
//	  - invoke: execute
//	    kind: asset-creation
//	    params: { payer: $payer, decimals: 6, initial_supply: 1000 }
//	    expect:
//	      success: false
//	      status: rolled_back
//	      error_kind: ProgramError
//	assertions:
//	  - type: trace_order
//	    events: [falling-back, attempt-failed, rollback-action]
//	  - type: final_state
//	    table: records
//	    where: { group_label: mint, action: mint, method: sequential }
//	    expect: { wallet: $payer }
//
// Strings of the form $name in params, where and expect clauses resolve to
// the address of the named wallet or mint.
//
// # Assertion Types
//
//   - trace_contains: an event of the given type whose fields include the
//     given subset
//   - trace_order: event types appear in this order, not necessarily
//     adjacent
//   - trace_count: exactly count events of the type match the fields
//   - final_state: exactly one row of a store table matches where, and it
//     holds expect; with count set, count rows match where
//
// # Determinism
//
// Every run uses a fresh simulated chain, an in-memory SQLite store,
// sequential operation ids (op-1, op-2, ...), a fake clock and zero
// back-off jitter. Transaction ids in the trace are replaced by tx1, tx2,
// ... in order of first appearance, so traces compare byte for byte
// against golden files.
package harness
