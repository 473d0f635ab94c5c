package fingerprint

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Domain tags keep program ids, input ids, and request fingerprints in
// disjoint hash domains so equal byte payloads never collide across kinds.
const (
	tagProgramV1 = "PROVENET_PROGRAM_V1"
	tagInputV1   = "PROVENET_INPUT_V1"
	tagRequestV1 = "PROVENET_REQUEST_V1"
)

// ProgramIDV1 computes the content id of a compiled program artifact.
func ProgramIDV1(program []byte) common.Hash {
	return tagged(tagProgramV1, program)
}

// InputIDV1 computes the content id of an execution input artifact.
func InputIDV1(input []byte) common.Hash {
	return tagged(tagInputV1, input)
}

// RequestV1 computes the request fingerprint:
// keccak256(tag || program_id || input_id).
func RequestV1(programID, inputID common.Hash) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(tagRequestV1))
	_, _ = h.Write(programID[:])
	_, _ = h.Write(inputID[:])
	return common.BytesToHash(h.Sum(nil))
}

// ProofDigestV1 computes the integrity digest of finished proof bytes.
func ProofDigestV1(proofBytes []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(proofBytes)
	return common.BytesToHash(h.Sum(nil))
}

func tagged(tag string, payload []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(tag))
	_, _ = h.Write(payload)
	return common.BytesToHash(h.Sum(nil))
}
