// Package session records per-connection state in Redis: which user owns a
// WebSocket connection, which server holds it and which note it is attached
// to. Records expire on their own so a crashed server leaves nothing behind.
package session
