// Package crypto implements the cipher suite, the versioned ciphertext
// envelope codec, and the fingerprint/signature primitives used by both
// the keyfold client and server.
//
// All primitives are wire-compatible with the libsodium constructions
// (crypto_box, crypto_box_seal, crypto_secretbox, crypto_generichash,
// crypto_sign) so existing deployments can interoperate.
package crypto
