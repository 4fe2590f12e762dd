// Package signaling is the client side of the pairing relay: an HTTP
// side-channel for the session cookie and ICE configuration, and a Socket.IO
// connection that carries room membership and the SDP/candidate exchange.
//
// Relay events are surfaced as typed Event values. The relay does not retry
// or reconnect; a dropped transport is reported once as DisconnectedEvent.
package signaling
