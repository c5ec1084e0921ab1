// Package autologin writes the obfuscated password file the login window reads to
// sign a user in automatically after a reboot.
//
// The encoding is a fixed-key XOR. It is obfuscation required by the operating system,
// NOT encryption: anyone who can read the file can recover the password. The file is
// only protected by its owner-only permissions.
package autologin

import (
	"bytes"
	"fmt"
	"os"

	"github.com/jveski/fleetpull/internal/atomicfile"
)

const blockSize = 12

var key = []byte{0x7D, 0x89, 0x52, 0x23, 0xD2, 0xBC, 0xDD, 0xEA, 0xA3, 0xB9, 0x1F}

// Encode zero-pads the password to the next multiple of 12 bytes, always leaving at
// least one zero byte, and XORs it with the repeating key.
func Encode(password []byte) []byte {
	buf := make([]byte, (len(password)/blockSize+1)*blockSize)
	copy(buf, password)
	xor(buf)
	return buf
}

// Decode reverses Encode and drops the zero padding.
func Decode(buf []byte) []byte {
	out := bytes.Clone(buf)
	xor(out)
	if i := bytes.IndexByte(out, 0); i >= 0 {
		out = out[:i]
	}
	return out
}

func xor(buf []byte) {
	for i := range buf {
		buf[i] ^= key[i%len(key)]
	}
}

// Write stores the encoded password at path with mode 0600. It reports whether the
// file changed.
func Write(path string, password []byte) (bool, error) {
	encoded := Encode(password)
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, encoded) {
		return false, nil
	}
	if err := atomicfile.Write(path, encoded, 0600); err != nil {
		return false, fmt.Errorf("writing auto-login file: %w", err)
	}
	return true, nil
}
