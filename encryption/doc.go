// Package encryption implements the end-to-end encryption used for message
// payloads.
//
// Identities are Ed25519 key pairs. For encryption they are converted to
// their X25519 equivalents, so a single identity key both signs and receives.
//
// Two envelope shapes exist:
//
//   - direct: one recipient. A fresh ephemeral X25519 key pair is generated per
//     message and the payload is sealed with x25519-xsalsa20-poly1305
//     (nacl/box) against the recipient's converted public key.
//   - hybrid: many recipients. The payload is sealed once with a random
//     message key (nacl/secretbox) and the message key is then sealed for each
//     recipient as a direct envelope, keyed by the recipient id.
//
// Decryption never returns partial plaintext: either authentication succeeds
// or an error is returned.
package encryption
