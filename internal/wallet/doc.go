// Package wallet models the identity key handle: an opaque signing capability
// bound to one secp256k1 key, the pending-signature guard shared by every
// signing path, and the change notifications emitted when the active address
// or chain switches.
package wallet
