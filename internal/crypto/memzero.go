package crypto

import "crypto/subtle"

// Zero overwrites b with zeros. Call it on every code path that drops
// secret material from memory.
func Zero(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
}
