// Package settlement hands a negotiated intent to a settlement backend in two
// phases: a value transfer followed by an idempotent finalize that binds the
// transfer to the intent's proof. The orchestrator owns retries, rate limiting
// and the guard that refuses to pay more than the originator's price ceiling.
package settlement
