// Package chain wraps JSON-RPC connectivity to the target network: reading
// balances and contract state, building and signing fixed-gas-price legacy
// transactions, submitting them, and blocking on receipt confirmation with a
// bounded timeout. Exactly one transaction is in flight at a time per
// process; nonces are always re-read from the node before each submission.
package chain
