// Package credentials persists the deploy key and the vault password with owner-only
// permissions. Records are read fresh on every use and are never cached.
package credentials

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"regexp"

	"github.com/jveski/fleetpull/internal/atomicfile"
	"github.com/jveski/fleetpull/internal/failure"
	"github.com/jveski/fleetpull/internal/logging"
)

type Kind int

const (
	DeployKey Kind = iota
	VaultPassword
)

func (k Kind) String() string {
	if k == VaultPassword {
		return "vault password"
	}
	return "deploy key"
}

func (k Kind) fileName() string {
	if k == VaultPassword {
		return "vault_password"
	}
	return "deploy_key"
}

func (k Kind) Validate(val []byte) error {
	if k == VaultPassword {
		return ValidateVaultPassword(val)
	}
	return ValidateDeployKey(val)
}

var (
	beginMarker = regexp.MustCompile(`-----BEGIN ([A-Z0-9 ]*)PRIVATE KEY-----`)
	endMarker   = regexp.MustCompile(`-----END ([A-Z0-9 ]*)PRIVATE KEY-----`)
)

// ValidateDeployKey checks the structure of a PEM private key: a begin marker followed
// by the end marker of the same type.
func ValidateDeployKey(key []byte) error {
	begin := beginMarker.FindSubmatchIndex(key)
	if begin == nil {
		return errors.New("missing private key begin marker")
	}
	label := key[begin[2]:begin[3]]

	rest := key[begin[1]:]
	for _, end := range endMarker.FindAllSubmatch(rest, -1) {
		if bytes.Equal(end[1], label) {
			return nil
		}
	}
	return errors.New("missing matching private key end marker")
}

func ValidateVaultPassword(pw []byte) error {
	if len(bytes.TrimSpace(pw)) == 0 {
		return errors.New("vault password is empty")
	}
	return nil
}

// Store is the directory holding the credential files.
type Store struct {
	Dir string
}

func (s *Store) Path(kind Kind) string { return filepath.Join(s.Dir, kind.fileName()) }

// Read returns the current record. A missing or structurally invalid record is a
// ConfigurationError.
func (s *Store) Read(kind Kind) ([]byte, error) {
	buf, err := os.ReadFile(s.Path(kind))
	if err != nil {
		return nil, failure.Configuration("reading %s: %w", kind, err)
	}
	if err := kind.Validate(buf); err != nil {
		return nil, failure.Configuration("stored %s is invalid: %w", kind, err)
	}
	return buf, nil
}

// GetOrCreate returns the existing record when it validates. Otherwise a new value is
// resolved from sources and validated before anything on disk changes, then an invalid
// existing record is deleted and the new one is written.
func (s *Store) GetOrCreate(kind Kind, sources ...Source) (val []byte, created bool, err error) {
	existing, err := os.ReadFile(s.Path(kind))
	switch {
	case err == nil && kind.Validate(existing) == nil:
		return existing, false, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, false, failure.Configuration("reading %s: %w", kind, err)
	}
	corrupt := err == nil

	val, err = Resolve(kind, sources...)
	if err != nil {
		return nil, false, err
	}

	logger := logging.WithComponent("credentials")
	if corrupt {
		logger.Warn().Str("kind", kind.String()).Msg("existing record failed validation, re-provisioning")
		if err := os.Remove(s.Path(kind)); err != nil {
			return nil, false, failure.Internal("removing invalid %s: %w", kind, err)
		}
	}

	if err := s.write(kind, val); err != nil {
		return nil, false, err
	}
	logger.Info().Str("kind", kind.String()).Str("path", s.Path(kind)).Msg("provisioned credential")
	return val, true, nil
}

func (s *Store) write(kind Kind, val []byte) error {
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return failure.Internal("creating credentials dir: %w", err)
	}
	if err := os.Chmod(s.Dir, 0700); err != nil {
		return failure.Internal("restricting credentials dir: %w", err)
	}
	if err := atomicfile.Write(s.Path(kind), val, 0600); err != nil {
		return failure.Internal("writing %s: %w", kind, err)
	}
	return nil
}
