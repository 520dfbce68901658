// Package intent defines the intent entity, its lifecycle states and the
// transition table that every state change goes through.
package intent
