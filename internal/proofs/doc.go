// Package proofs produces and checks the proof attached to every broadcast
// intent. The proof binds the public bid to the intent id and payload while
// keeping the originator's balance and price ceiling private.
package proofs
