package domain

import (
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DeriveIntentID returns keccak256(user || externalReference || submittedAt) as 0x-prefixed hex.
// submittedAt is taken at second precision, matching the ledger's block timestamp granularity.
func DeriveIntentID(user, externalReference string, submittedAt time.Time) string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(submittedAt.Unix()))

	addr := common.HexToAddress(user)
	return crypto.Keccak256Hash(addr.Bytes(), []byte(externalReference), ts[:]).Hex()
}

// NormalizeUser validates a hex address and returns its checksummed form.
func NormalizeUser(user string) (string, error) {
	if !common.IsHexAddress(user) {
		return "", ErrInvalidUser
	}
	return common.HexToAddress(user).Hex(), nil
}
