package core

import "hash/fnv"

// BucketCount is the resolution of the bucketing space: 10000 slots give
// two-decimal percentage precision.
const BucketCount = 10000

// Bucket maps (identity, salt) to a stable slot in [0, BucketCount). The
// mapping is deterministic across processes and restarts, uniformly
// distributed over arbitrary identity strings, and independent per salt:
// the same identity hashed under two salts lands in uncorrelated slots.
func Bucket(identity, salt string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	_, _ = h.Write([]byte{'_'})
	_, _ = h.Write([]byte(salt))
	return int(h.Sum32() % BucketCount)
}

// BucketPercentage returns the bucket as a percentage in [0, 100) with
// two-decimal resolution.
func BucketPercentage(identity, salt string) float64 {
	return float64(Bucket(identity, salt)) / 100.0
}
