package mls

import (
	"crypto/subtle"
	"fmt"
	"runtime"
)

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}

	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func validateEnum(v interface{}, known ...interface{}) error {
	for _, kv := range known {
		if v == kv {
			return nil
		}
	}
	return newError(KindCodec, "enum", fmt.Errorf("unknown enum value: %v", v))
}

// zeroize overwrites a secret in place. The buffer stays reachable until the
// copy is done so the writes cannot be elided.
func zeroize(data []byte) {
	if len(data) == 0 {
		return
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCopy(1, data, zeros)
	runtime.KeepAlive(data)
}

func zeroizeAll(secrets ...[]byte) {
	for _, s := range secrets {
		zeroize(s)
	}
}

func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func isZero(data []byte) bool {
	var acc byte
	for _, b := range data {
		acc |= b
	}
	return acc == 0
}
