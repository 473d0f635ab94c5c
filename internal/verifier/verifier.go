// Package verifier checks fetched proofs before they are surfaced or cached.
// A proof that fails verification is treated as corrupt, never as valid.
package verifier

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/provenet/provenet/internal/fingerprint"
	"github.com/provenet/provenet/internal/proof"
	"github.com/provenet/provenet/internal/provernet"
)

// Verify checks a fetched envelope against the request fingerprint. The
// envelope must carry a non-empty proof addressed to this fingerprint, and
// the proof bytes must hash to the advertised digest.
func Verify(requestFingerprint common.Hash, env provernet.ProofEnvelope) error {
	if len(env.Proof) == 0 {
		return fmt.Errorf("%w: empty proof payload", proof.ErrIntegrity)
	}
	if env.Fingerprint != requestFingerprint {
		return fmt.Errorf("%w: envelope fingerprint %s does not match request %s",
			proof.ErrIntegrity, env.Fingerprint.Hex(), requestFingerprint.Hex())
	}
	if got := fingerprint.ProofDigestV1(env.Proof); got != env.Digest {
		return fmt.Errorf("%w: proof digest %s does not match advertised %s",
			proof.ErrIntegrity, got.Hex(), env.Digest.Hex())
	}
	return nil
}

// VerifyLocal checks a locally produced proof. Local engines emit raw proof
// bytes with no envelope, so only the payload is validated.
func VerifyLocal(proofBytes []byte) error {
	if len(proofBytes) == 0 {
		return fmt.Errorf("%w: empty proof payload", proof.ErrIntegrity)
	}
	return nil
}
