package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"DscEngine/internal/ledger"
)

const genesisHashSeed = "DscEngine:genesis:v1"

// stateHasher computes the deterministic state hash chain stamped into
// every event envelope: state_hash[N] = SHA-256(prev_hash || sequence || digest).
type stateHasher struct {
	prevHash [32]byte
}

func newStateHasher() *stateHasher {
	return &stateHasher{prevHash: sha256.Sum256([]byte(genesisHashSeed))}
}

func (h *stateHasher) computeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash
	return hash
}

func (h *stateHasher) getPrevHash() [32]byte {
	return h.prevHash
}

func (h *stateHasher) setPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// computeStateDigest builds canonical bytes over the accounts a batch
// touched: sorted account paths with their post-apply balances.
func computeStateDigest(l *ledger.Ledger, batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)

	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}

	assets := l.Assets()
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Path(assets) < accounts[j].Path(assets)
	})

	digest := make([]byte, 0, len(accounts)*64)

	for _, key := range accounts {
		path := key.Path(assets)
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)

		// Balance as length-prefixed big-endian bytes (sign byte first)
		bal := l.Balance(key)
		digest = append(digest, byte(bal.Sign()+1))
		raw := bal.Bytes()
		digest = append(digest, byte(len(raw)))
		digest = append(digest, raw...)
	}

	return digest
}
