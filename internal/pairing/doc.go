// Package pairing implements short-lived single-use pairing codes for
// Poster Fleet Core.
//
// A pairing code binds an unauthenticated client session to a specific
// pre-registered device identity: an admin generates a 6-digit code for a
// device, reads it off the screen, and types it into the client, which
// exchanges it for the device ID and a freshly rotated secret.
//
// Codes are single-use and expire automatically. Claiming is atomic with
// the secret rotation: of two concurrent claims for the same code, exactly
// one receives credentials and the other a normal failure, never a rotated
// secret without a registered claimer.
package pairing
