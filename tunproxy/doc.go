// Package tunproxy exposes the tunnel manager over HTTP. Clients
// upgrade GET /tun to a websocket; each accepted socket becomes a
// tunmux.Tunnel multiplexing egress TCP requests on the client's
// behalf. A single process-wide ticker drives keepalive on every
// registered tunnel.
package tunproxy
