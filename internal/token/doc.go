// Package token mints and verifies the short-lived admission tokens that
// guests present at a gate.  A token is an HS256 JWT binding a ticket id,
// its event, an optional requested direction, a random nonce (jti) and an
// optional device fingerprint digest.  Its lifetime is the event's rotation
// interval, so a captured token loses value within about a minute.
//
// Verification failures are reported through three sentinel errors so the
// gate can tell "rescan" apart from a security rejection.
package token
