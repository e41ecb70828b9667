// Package tunmux implements the tunnel multiplex engine: the framed
// binary protocol spoken over a client websocket, the generation-tagged
// request slot table, and the per-request egress TCP socket lifecycle.
//
// One Tunnel owns one websocket. The client multiplexes up to Capacity
// concurrent TCP requests over it, addressed by a slot index and a
// 16-bit generation tag; the server opens the destination connection
// for each request and relays bytes both ways. Outbound frames pass
// through a single FIFO send queue so control frames can never
// overtake data frames for the same slot.
package tunmux
