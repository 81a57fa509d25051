package state

import (
	"encoding/hex"
	"strconv"
)

// Key layout. Every record lives under a module prefix so unrelated modules
// can never collide in the shared key-value store.
const (
	prefixBucket = "interest/bucket/"
	prefixLoans  = "loans/"
	prefixGuard  = "guard/"
)

func bucketKey(rateKey string) []byte {
	return []byte(prefixBucket + rateKey)
}

func bucketCountKey() []byte {
	return []byte("interest/buckets")
}

func loanSeqKey(pool string) []byte {
	return []byte(prefixLoans + pool + "/seq")
}

func loanKey(pool string, id uint64) []byte {
	return []byte(prefixLoans + pool + "/loan/" + strconv.FormatUint(id, 10))
}

func closedLoanKey(pool string, id uint64) []byte {
	return []byte(prefixLoans + pool + "/closed/" + strconv.FormatUint(id, 10))
}

func policyKey(pool string) []byte {
	return []byte(prefixLoans + pool + "/policy")
}

func guardSeqKey(scope string) []byte {
	return []byte(prefixGuard + scope + "/seq")
}

func guardPendingKey(scope string) []byte {
	return []byte(prefixGuard + scope + "/pending")
}

func guardChangeKey(scope string, id [32]byte) []byte {
	return []byte(prefixGuard + scope + "/change/" + hex.EncodeToString(id[:]))
}

func guardReleasedKey(scope string, id [32]byte) []byte {
	return []byte(prefixGuard + scope + "/released/" + hex.EncodeToString(id[:]))
}
