package credentials

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/jveski/fleetpull/internal/failure"
)

// Source is one place a credential can come from.
type Source interface {
	Name() string
	Available() bool
	Read(kind Kind) ([]byte, error)
}

// Resolve returns the value of the first available source, in the order given.
// Bootstrap passes inline > file > terminal. There is no silent fallback:
// when no source is available a ConfigurationError is returned. The result is
// validated before being returned.
func Resolve(kind Kind, sources ...Source) ([]byte, error) {
	for _, src := range sources {
		if src == nil || !src.Available() {
			continue
		}

		val, err := src.Read(kind)
		if err != nil {
			return nil, failure.Configuration("reading %s from %s: %w", kind, src.Name(), err)
		}
		if err := kind.Validate(val); err != nil {
			return nil, failure.Configuration("%s from %s is invalid: %w", kind, src.Name(), err)
		}
		return val, nil
	}
	return nil, failure.Configuration("no %s provided and no terminal attached to capture one", kind)
}

// Inline is a value passed directly, e.g. through an environment variable.
type Inline []byte

func (i Inline) Name() string              { return "inline value" }
func (i Inline) Available() bool           { return len(i) > 0 }
func (i Inline) Read(Kind) ([]byte, error) { return normalize([]byte(i)), nil }

// File references a file holding the value.
type File string

func (f File) Name() string    { return fmt.Sprintf("file %q", string(f)) }
func (f File) Available() bool { return f != "" }

func (f File) Read(Kind) ([]byte, error) {
	buf, err := os.ReadFile(string(f))
	if err != nil {
		return nil, err
	}
	return normalize(buf), nil
}

// Terminal captures the value interactively. It is only available when In is a terminal.
type Terminal struct {
	In  *os.File
	Out io.Writer
}

func (t *Terminal) Name() string { return "terminal" }

func (t *Terminal) Available() bool {
	return t != nil && t.In != nil && term.IsTerminal(int(t.In.Fd()))
}

func (t *Terminal) Read(kind Kind) ([]byte, error) {
	if kind == VaultPassword {
		fmt.Fprint(t.Out, "Vault password: ")
		buf, err := term.ReadPassword(int(t.In.Fd()))
		fmt.Fprintln(t.Out)
		return buf, err
	}

	fmt.Fprintf(t.Out, "Paste the %s, then press enter:\n", kind)
	return readKey(t.In)
}

// readKey reads lines until the private key end marker.
func readKey(r io.Reader) ([]byte, error) {
	buf := &bytes.Buffer{}
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		buf.Write(scan.Bytes())
		buf.WriteByte('\n')
		if endMarker.Match(scan.Bytes()) {
			return buf.Bytes(), nil
		}
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize trims surrounding whitespace and ends multi-line values with exactly one newline.
func normalize(buf []byte) []byte {
	buf = bytes.TrimSpace(buf)
	if bytes.IndexByte(buf, '\n') >= 0 {
		buf = append(buf, '\n')
	}
	return buf
}
