// Package chain computes and verifies the SHA-256 hash chain linking
// consecutive envelopes of a route.
package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"iter"

	"github.com/arkilian/memlog/pkg/types"
)

// HashSize is the length of a hex-encoded digest.
const HashSize = sha256.Size * 2

// ComputeHash digests (event_type, event_id, timestamp, payload,
// previous_hash). Every variable-length field is length-prefixed so
// distinct field splits never collide.
func ComputeHash(env *types.Envelope, previousHash string) string {
	h := sha256.New()
	writeField(h, []byte(env.EventType))
	writeField(h, []byte(env.EventID))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(env.Timestamp))
	h.Write(ts[:])
	writeField(h, env.Payload)
	writeField(h, []byte(previousHash))
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// Link sets PreviousHash and EventHash on env so it follows previousHash.
func Link(env *types.Envelope, previousHash string) {
	env.PreviousHash = previousHash
	env.EventHash = ComputeHash(env, previousHash)
}

// CheckEnvelope reports whether env's stored hash matches its fields.
func CheckEnvelope(env *types.Envelope) bool {
	return env.EventHash == ComputeHash(env, env.PreviousHash)
}

// Verifier walks a chain incrementally. The zero genesis reference ("")
// means the first envelope must be a genesis envelope; a snapshot's
// terminal hash can be given instead to resume mid-chain.
type Verifier struct {
	expected string
	index    int
	broken   bool
	status   types.ChainStatus
}

// NewVerifier starts verification after genesis.
func NewVerifier(genesis string) *Verifier {
	return &Verifier{expected: genesis, status: types.ChainStatus{Valid: true}}
}

// Next checks one envelope. It returns false once the chain is broken;
// later envelopes are counted as suspect without being checked.
func (v *Verifier) Next(env *types.Envelope) bool {
	idx := v.index
	v.index++
	v.status.Checked = v.index
	if v.broken {
		v.status.Suspect++
		return false
	}

	computed := ComputeHash(env, v.expected)
	if env.PreviousHash != v.expected || env.EventHash != computed {
		v.broken = true
		v.status = types.ChainStatus{
			Valid:         false,
			BrokenAtIndex: idx,
			EventID:       env.EventID,
			Checked:       v.index,
		}
		return false
	}
	v.expected = computed
	return true
}

// Head returns the last verified hash.
func (v *Verifier) Head() string {
	return v.expected
}

// Status returns the result so far.
func (v *Verifier) Status() types.ChainStatus {
	return v.status
}

// VerifyChain verifies a slice of envelopes from genesis.
func VerifyChain(envs []*types.Envelope) types.ChainStatus {
	return VerifyFrom("", envs)
}

// VerifyFrom verifies envs as the continuation of a chain whose last hash
// is genesis.
func VerifyFrom(genesis string, envs []*types.Envelope) types.ChainStatus {
	v := NewVerifier(genesis)
	for _, env := range envs {
		v.Next(env)
	}
	return v.Status()
}

// VerifySeq verifies a lazy sequence, stopping early on a read error.
func VerifySeq(genesis string, seq iter.Seq2[*types.Envelope, error]) (types.ChainStatus, error) {
	v := NewVerifier(genesis)
	for env, err := range seq {
		if err != nil {
			return v.Status(), err
		}
		v.Next(env)
	}
	return v.Status(), nil
}
