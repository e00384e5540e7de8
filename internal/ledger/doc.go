// Package ledger executes reads and finality-bound transactions against the
// authoritative TrustNet ledger. Concrete bindings live in the ethereum and
// memory subpackages; provider wires them from chain definitions.
package ledger
