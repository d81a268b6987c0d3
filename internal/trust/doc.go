// Package trust implements the certificate trust store of the proxy.
//
// A Store holds the trust anchors (root CA certificates) loaded once at
// startup and is read-only afterwards, so it can be shared by every
// handshake goroutine without locking. Verify builds the chain from a
// client leaf through any presented intermediates up to an anchor and
// returns the derived ClientIdentity or a *VerificationError whose
// Reason says why the certificate was rejected.
//
// Revocation is checked only when a CRL file is configured. The CRL must
// be signed by one of the anchors.
package trust
