// Package session mirrors connection presence to Redis: which server holds a
// connection, whether it is idle, queued or chatting, and in which room. The
// gateway owns the authoritative state; this mirror is advisory and expires
// on its own when a server dies without cleaning up.
package session
