package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
)

// MessageAAD binds a ciphertext to the conversation and sender it was
// written for. Parts are length-prefixed so ("ab","c") and ("a","bc")
// differ.
func MessageAAD(conversationID, senderID string) []byte {
	out := make([]byte, 0, 8+len(conversationID)+len(senderID))
	for _, p := range []string{conversationID, senderID} {
		out = binary.BigEndian.AppendUint32(out, uint32(len(p)))
		out = append(out, p...)
	}
	return out
}

func newAEAD(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SealText encrypts plaintext with key under aad and returns
// base64(nonce || ciphertext) for storing in a document field.
func SealText(key Key, plaintext string, aad []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	buf := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	buf = aead.Seal(buf, buf, []byte(plaintext), aad)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// OpenText reverses SealText. A wrong key, a different aad or a damaged
// payload are all reported as apperr.ErrCipher.
func OpenText(key Key, ciphertext string, aad []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", apperr.ErrCipher, err)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrCipher, err)
	}
	ns := aead.NonceSize()
	if len(raw) < ns+aead.Overhead() {
		return "", fmt.Errorf("%w: payload too short", apperr.ErrCipher)
	}
	pt, err := aead.Open(nil, raw[:ns], raw[ns:], aad)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperr.ErrCipher, err)
	}
	return string(pt), nil
}

// Keyring picks the key for a message from its sender.
type Keyring interface {
	KeyFor(senderID string) Key
}

// PairKeyring resolves keys for a two-party conversation seen from Self.
type PairKeyring struct {
	Self  string
	Other string
}

// KeyFor returns PairwiseKey(sender, recipient), where the recipient is
// whichever participant did not send the message.
func (p PairKeyring) KeyFor(senderID string) Key {
	if senderID == p.Self {
		return PairwiseKey(p.Self, p.Other)
	}
	return PairwiseKey(p.Other, p.Self)
}

// GroupKeyring uses one key for every member in both directions.
type GroupKeyring struct {
	key Key
}

func NewGroupKeyring(groupID string, createdAtMillis int64) GroupKeyring {
	return GroupKeyring{key: GroupKey(groupID, createdAtMillis)}
}

func (g GroupKeyring) KeyFor(string) Key { return g.key }
