// Package wsevent implements the client side of the WebSocket read path as an
// event engine: raw bytes from an established connection go in, RFC 6455
// frames are decoded and reassembled, and typed events come out to a Listener.
//
// The engine never performs I/O. A transport collaborator feeds it bytes with
// Conn.Feed, reports end of stream with Conn.TransportClosed and sends the
// control frames the engine asks for through the Transport interface.
// See the wsnet package for a transport over net.Conn.
//
// See https://tools.ietf.org/html/rfc6455
package wsevent
