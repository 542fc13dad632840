// Package presence tracks who is online and who is typing.
//
// State is ephemeral. MemoryState keeps it per process; RedisState shares it
// between gateway instances. The server never expires a typing flag on its
// own: a client that disconnects mid-typing leaves the flag set until the
// gateway clears it on the user's last disconnect.
package presence
