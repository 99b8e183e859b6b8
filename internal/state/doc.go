// Package state persists conversation sessions. Each session is one
// append-only newline-delimited JSON file: a metadata record on the
// first line, then one record per chat message in append order.
package state
