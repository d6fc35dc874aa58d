package block

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// HeaderSize is the serialized size of a block header in bytes.
const HeaderSize = 80

// StandardBits is the compact difficulty encoding carried in every header we
// assemble. The actual acceptance rule is the leading-zero count, not the
// compact target.
const StandardBits = 0x1d00ffff

// Header is an 80-byte Bitcoin-style block header. The nonce is kept out of
// the struct; it is supplied at serialization time so one header can be
// rehashed across the whole nonce range.
type Header struct {
	Version    uint32
	PrevBlock  [32]byte
	MerkleRoot [32]byte
	Timestamp  uint32
	Bits       uint32
}

// NewHeader builds a header stamped with the current time and standard bits.
func NewHeader(version uint32, prevBlock, merkleRoot [32]byte) Header {
	return Header{
		Version:    version,
		PrevBlock:  prevBlock,
		MerkleRoot: merkleRoot,
		Timestamp:  uint32(time.Now().Unix()),
		Bits:       StandardBits,
	}
}

// Serialize writes the header with the given nonce into the canonical
// 80-byte layout: version LE, prev block, merkle root, timestamp LE,
// bits LE, nonce LE at bytes 76..80.
func (h Header) Serialize(nonce uint32) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Version)
	copy(buf[4:36], h.PrevBlock[:])
	copy(buf[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(buf[68:72], h.Timestamp)
	binary.LittleEndian.PutUint32(buf[72:76], h.Bits)
	binary.LittleEndian.PutUint32(buf[76:80], nonce)
	return buf
}

// ParseHeader decodes an 80-byte serialized header, returning the header and
// the nonce it was serialized with.
func ParseHeader(buf []byte) (Header, uint32, error) {
	if len(buf) != HeaderSize {
		return Header{}, 0, fmt.Errorf("header must be %d bytes, got %d", HeaderSize, len(buf))
	}
	var h Header
	h.Version = binary.LittleEndian.Uint32(buf[0:4])
	copy(h.PrevBlock[:], buf[4:36])
	copy(h.MerkleRoot[:], buf[36:68])
	h.Timestamp = binary.LittleEndian.Uint32(buf[68:72])
	h.Bits = binary.LittleEndian.Uint32(buf[72:76])
	nonce := binary.LittleEndian.Uint32(buf[76:80])
	return h, nonce, nil
}

// DoubleSHA256 computes SHA-256(SHA-256(data)), the Bitcoin mining digest.
func DoubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// HashWithNonce serializes the header with the nonce and double-hashes it.
func (h Header) HashWithNonce(nonce uint32) [32]byte {
	return DoubleSHA256(h.Serialize(nonce))
}

// LeadingZeroDigits counts the leading '0' characters of the hash's hex form.
func LeadingZeroDigits(hash [32]byte) int {
	n := 0
	for _, b := range hash {
		if b == 0 {
			n += 2
			continue
		}
		if b>>4 == 0 {
			n++
		}
		break
	}
	return n
}

// MeetsDifficulty reports whether the hash has at least difficulty leading
// zero hex digits. Difficulty zero accepts every hash.
func MeetsDifficulty(hash [32]byte, difficulty int) bool {
	return LeadingZeroDigits(hash) >= difficulty
}

// ValidateNonce is the acceptance oracle: a nonce is valid for a header iff
// the double hash of the serialized pair meets the difficulty.
func ValidateNonce(h Header, nonce uint32, difficulty int) bool {
	return MeetsDifficulty(h.HashWithNonce(nonce), difficulty)
}

// HashHex renders a hash the way block explorers do.
func HashHex(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}
