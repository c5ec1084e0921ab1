// Package secrets decrypts the secrets bundle shipped with the desired state.
//
// The bundle is an age file encrypted to a passphrase (scrypt recipient), binary or
// ASCII armored, whose plaintext is a flat TOML table of names to values. The same
// file is shared by every machine and the operator, who edits it with the `age` CLI.
// Plaintext only ever lives in memory.
package secrets

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/BurntSushi/toml"

	"github.com/jveski/fleetpull/internal/failure"
)

// Values are decrypted secrets, valid for a single run.
type Values struct {
	m map[string]string
}

func (v *Values) Lookup(name string) (string, bool) {
	if v == nil {
		return "", false
	}
	val, ok := v.m[name]
	return val, ok
}

func (v *Values) Names() []string {
	if v == nil {
		return nil
	}
	names := make([]string, 0, len(v.m))
	for name := range v.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (v *Values) Len() int {
	if v == nil {
		return 0
	}
	return len(v.m)
}

// Discard drops every reference to the plaintext values.
func (v *Values) Discard() {
	if v == nil {
		return
	}
	for name := range v.m {
		delete(v.m, name)
	}
}

// Decrypt reads an encrypted bundle from r. Wrong passwords, corrupt ciphertext and
// malformed plaintext all yield a SecretsError.
func Decrypt(r io.Reader, password []byte) (*Values, error) {
	identity, err := age.NewScryptIdentity(string(password))
	if err != nil {
		return nil, failure.Secrets("creating identity: %w", err)
	}

	br := bufio.NewReader(r)
	var src io.Reader = br
	if head, _ := br.Peek(len(armor.Header)); string(head) == armor.Header {
		src = armor.NewReader(br)
	}

	plaintext, err := age.Decrypt(src, identity)
	if err != nil {
		return nil, failure.Secrets("decrypting bundle: %w", err)
	}

	m := map[string]string{}
	if _, err := toml.NewDecoder(plaintext).Decode(&m); err != nil {
		return nil, failure.Secrets("decoding decrypted bundle: %w", err)
	}
	return &Values{m: m}, nil
}

// Empty returns a set without any values, used when the desired state ships no bundle.
func Empty() *Values { return &Values{m: map[string]string{}} }

// EncryptOptions tune Encrypt.
type EncryptOptions struct {
	Armor      bool
	WorkFactor int // scrypt log2(N); zero keeps the age default
}

// Encrypt writes values as a bundle readable by Decrypt and by `age --decrypt`.
func Encrypt(w io.Writer, password []byte, values map[string]string, opts EncryptOptions) error {
	recipient, err := age.NewScryptRecipient(string(password))
	if err != nil {
		return fmt.Errorf("creating recipient: %w", err)
	}
	if opts.WorkFactor > 0 {
		recipient.SetWorkFactor(opts.WorkFactor)
	}

	plaintext := &bytes.Buffer{}
	if err := toml.NewEncoder(plaintext).Encode(values); err != nil {
		return fmt.Errorf("encoding values: %w", err)
	}

	dst := w
	var armored io.WriteCloser
	if opts.Armor {
		armored = armor.NewWriter(w)
		dst = armored
	}

	enc, err := age.Encrypt(dst, recipient)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if _, err := enc.Write(plaintext.Bytes()); err != nil {
		return fmt.Errorf("encrypting: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	if armored != nil {
		return armored.Close()
	}
	return nil
}
