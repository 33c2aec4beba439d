package queue

import (
	crand "crypto/rand"
	"math/big"
	mrand "math/rand"
)

// secureIntn draws from crypto/rand and falls back to math/rand when the
// system source fails.
func secureIntn(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := crand.Int(crand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return mrand.Intn(n)
	}
	return int(v.Int64())
}
