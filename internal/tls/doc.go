// Package tls terminates client TLS connections for the mTLS proxy.
//
// Every accepted connection moves through a small state machine:
//
//	Listening -> Handshaking -> Established
//	                         -> Failed
//
// The handshake policy (none, optional or required client certificate) is
// chosen per connection from the SNI server name through a PolicyResolver.
// Client chains are verified by the trust store, never by crypto/tls, so a
// presented but invalid certificate on an optional host does not abort the
// handshake; the failure is kept on the Session for the dispatcher to act on.
//
// The Listener owns the raw TCP socket, runs one handshake goroutine per
// connection and hands only established *tls.Conn values to net/http. A
// SessionRegistry maps each live connection to its Session so HTTP
// handlers can read the client identity from the request context.
//
// The server certificate comes from a CertificateProvider. FileProvider
// reloads it from disk on change through fsnotify.
package tls
