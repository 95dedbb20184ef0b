package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length in bytes of every derived key.
const KeySize = 32

const (
	pairwiseInfo = "chat-sync/pairwise/v1"
	groupInfo    = "chat-sync/group/v1"
)

// Key is a derived AES-256 key.
type Key [KeySize]byte

// PairwiseKey derives the key used for messages sent by a to b.
// The derivation is ordered: PairwiseKey(a, b) and PairwiseKey(b, a)
// differ whenever a != b.
//
// Both inputs are public identifiers, so anyone who knows them can derive
// the key. Messages are protected from casual reads of the store, not from
// a party that controls it.
func PairwiseKey(senderID, recipientID string) Key {
	return derive(pairwiseInfo, senderID, recipientID)
}

// GroupKey derives the key shared by all members of a group. It depends
// only on the group's immutable id and creation time in milliseconds.
func GroupKey(groupID string, createdAtMillis int64) Key {
	return derive(groupInfo, groupID, strconv.FormatInt(createdAtMillis, 10))
}

func derive(info string, parts ...string) Key {
	// length-prefix every part so ("ab","c") and ("a","bc") never collide
	var secret []byte
	for _, p := range parts {
		secret = binary.BigEndian.AppendUint32(secret, uint32(len(p)))
		secret = append(secret, p...)
	}
	var k Key
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		// hkdf only fails past 255*HashLen bytes of output
		panic("crypto: hkdf: " + err.Error())
	}
	return k
}
