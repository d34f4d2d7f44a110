// Package client implements the keyfold session: an identity with its
// personal keychain of named cryptographic keys, kept encrypted at rest
// on a server that never sees plaintext key material or key names.
//
// A Client is either idle or loaded. Secret material only exists while
// loaded, and every transition out of the loaded state zeroes it.
package client
