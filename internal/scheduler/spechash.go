package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
)

// SpecHash is the deterministic digest over release/process/secret/volume
// identity (spec.md §3 Spec hash, computed by §4.6 step 2a). An instance
// whose SpecHash matches the group's current hash is "matching"; anything
// else is "old" and gets drained.
func SpecHash(releaseID, processType, secretsVersionID, volumeMountDigest string) string {
	h := sha256.New()
	for _, p := range []string{releaseID, processType, secretsVersionID, volumeMountDigest} {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
