// Package bytemask implements repeating-key XOR masking of byte buffers.
//
// Masking is obfuscation, not encryption: it XORs each payload byte with a
// byte of the key, cycling through the key. Two key-indexing modes exist.
// Padded mode cycles through the whole key (index i uses key[i % len(key)]).
// Unpadded mode uses the low two bits of the index (key[i & 3]), the
// framing-key convention of masked network protocols; only the first four
// key bytes participate.
//
// Buffers at or above a small threshold go through a word-at-a-time fast
// path when the key length allows it; the byte-at-a-time reference loop is
// used otherwise. Both paths produce identical output. Setting the
// environment variable named by DisableFastEnv before process start forces
// the reference loop everywhere.
package bytemask

import (
	"encoding/binary"
	"os"
)

const (
	// DisableFastEnv is the environment variable that disables the
	// word-at-a-time fast path when set to any non-empty value. It is read
	// once at package initialization.
	DisableFastEnv = "STAGEDIR_NO_FAST_XOR"

	// fastThreshold is the minimum payload size, in bytes, for the fast
	// path. Below it the loop overhead dominates and the reference loop
	// wins.
	fastThreshold = 64

	// wordSize is the stride of the fast path, in bytes.
	wordSize = 8

	// unpaddedKeyLen is the number of key bytes consumed in unpadded mode.
	unpaddedKeyLen = 4
)

// fastDisabled caches the kill switch so hot paths never probe the
// environment.
var fastDisabled = os.Getenv(DisableFastEnv) != ""

// Mask XORs src with the repeating key and writes the result to dst, which
// must be at least len(src) bytes. dst and src may be the same slice;
// partial overlap is not supported. Key indexing starts at zero for every
// call.
//
// In padded mode the key must be non-empty; in unpadded mode it must be at
// least four bytes. Mask panics if dst is too short or the key contract is
// violated, like the slice misuse it is.
func Mask(dst, src, key []byte, padded bool) {
	if len(src) == 0 {
		return
	}

	if !padded {
		key = key[:unpaddedKeyLen]
	}

	if len(src) < fastThreshold || fastDisabled || !wordable(len(key)) {
		maskRef(dst, src, key)

		return
	}

	maskWide(dst, src, key)
}

// Unmask reverses Mask in place. XOR is self-inverse, so unmasking is
// masking with the same key and mode.
func Unmask(buf, key []byte, padded bool) {
	Mask(buf, buf, key, padded)
}

// Masked returns a freshly allocated masked copy of src, leaving src
// untouched.
func Masked(src, key []byte, padded bool) []byte {
	out := make([]byte, len(src))
	Mask(out, src, key, padded)

	return out
}

// wordable reports whether a key of length n tiles a machine word exactly,
// which is what lets the fast path fold the key into one word constant.
func wordable(n int) bool {
	switch n {
	case 1, 2, 4, wordSize:
		return true
	default:
		return false
	}
}

// maskRef is the byte-at-a-time reference loop. It is always correct for
// any key length and is the baseline the fast path must match exactly.
func maskRef(dst, src, key []byte) {
	n := len(key)
	for i, b := range src {
		dst[i] = b ^ key[i%n]
	}
}

// maskWide processes wordSize bytes per step. The key is expanded into a
// single word; because len(key) divides wordSize, every aligned block sees
// the key at phase zero, and so does the reference-loop tail.
func maskWide(dst, src, key []byte) {
	var kw uint64
	for i := range wordSize {
		kw |= uint64(key[i%len(key)]) << (8 * i)
	}

	n := len(src) &^ (wordSize - 1)
	for i := 0; i < n; i += wordSize {
		binary.LittleEndian.PutUint64(dst[i:], binary.LittleEndian.Uint64(src[i:])^kw)
	}

	maskRef(dst[n:], src[n:], key)
}
