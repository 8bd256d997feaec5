// Package gateway terminates WebSocket clients and broadcasts queue payloads to them.
//
// The gateway owns one HTTP listener per pipeline cycle. Client registration, eviction and
// broadcast run on the reactor goroutine; HTTP handlers only perform the handshake, hand the
// connection to the loop with Post, and then block reading until the client goes away.
// Every client that reaches the Open state increments the host's shared client count once
// and decrements it once when it leaves Open.
package gateway
