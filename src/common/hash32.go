package common

import "hash/fnv"

// Hash32 is a short non-cryptographic digest used to tag identities and
// message references in log output.
func Hash32(data []byte) uint32 {
	h := fnv.New32a()

	h.Write(data)

	return h.Sum32()
}
