// Package mysql persists the intent transition journal in MySQL. The journal is
// write-only from the node's point of view: lifecycle state is never reloaded
// from it, it only gives operators a durable history of every notification.
package mysql
