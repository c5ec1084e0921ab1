package reconcile

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jveski/fleetpull/internal/failure"
	"github.com/jveski/fleetpull/internal/secrets"
)

func secretValues(t *testing.T, m map[string]string) *secrets.Values {
	buf := &bytes.Buffer{}
	require.NoError(t, secrets.Encrypt(buf, []byte("pw"), m, secrets.EncryptOptions{WorkFactor: 10}))
	vals, err := secrets.Decrypt(buf, []byte("pw"))
	require.NoError(t, err)
	return vals
}

func TestLoadFileYAML(t *testing.T) {
	doc, err := LoadFile("fixtures/fleet.yaml", "abc123")
	require.NoError(t, err)

	assert.Equal(t, "abc123", doc.Revision)
	assert.Equal(t, "vault/secrets.age", doc.Secrets)
	require.Len(t, doc.Resources, 3)
	assert.Equal(t, "directory.docker", doc.Resources[0].ID())
	assert.Equal(t, "file.daemon-json", doc.Resources[1].ID())
	assert.Equal(t, []string{"directory.docker"}, doc.Resources[1].Requires())
	assert.Equal(t, []string{"default", "docker"}, doc.Groups())

	f := doc.Resources[1].(*File)
	assert.Equal(t, os.FileMode(0600), f.Mode)
}

func TestLoadFileTOML(t *testing.T) {
	doc, err := LoadFile("fixtures/fleet.toml", "def456")
	require.NoError(t, err)
	require.Len(t, doc.Resources, 2)

	r := doc.Resources[0].(*Replicas)
	assert.Equal(t, 3, r.Count)
	assert.Equal(t, "ci", r.Group())

	c := doc.Resources[1].(*Command)
	assert.Equal(t, "/usr/local/bin/runner", c.Creates)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "fleet.toml"), "")
	assert.True(t, failure.Is(err, failure.KindConfiguration))
}

func TestDecodeInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown kind":     "[[resource]]\nkind = \"package\"\nname = \"x\"\n",
		"missing name":     "[[resource]]\nkind = \"file\"\npath = \"/x\"\n",
		"relative path":    "[[resource]]\nkind = \"file\"\nname = \"x\"\npath = \"x\"\n",
		"bad mode":         "[[resource]]\nkind = \"file\"\nname = \"x\"\npath = \"/x\"\nmode = \"999\"\n",
		"unguarded":        "[[resource]]\nkind = \"command\"\nname = \"x\"\ncommand = [\"true\"]\n",
		"duplicate":        "[[resource]]\nkind = \"directory\"\nname = \"x\"\npath = \"/x\"\n[[resource]]\nkind = \"directory\"\nname = \"x\"\npath = \"/y\"\n",
		"unknown requires": "[[resource]]\nkind = \"directory\"\nname = \"x\"\npath = \"/x\"\nrequires = [\"file.nope\"]\n",
		"negative count":   "[[resource]]\nkind = \"replicas\"\nname = \"x\"\ndir = \"/x\"\ncount = -1\n",
		"syntax":           "[[resource]\n",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(doc), "toml", "")
			assert.True(t, failure.Is(err, failure.KindConfiguration), "got %v", err)
		})
	}
}

func TestDecodeEmpty(t *testing.T) {
	doc, err := Decode(strings.NewReader(""), "yaml", "rev")
	require.NoError(t, err)
	assert.Empty(t, doc.Resources)

	doc, err = Decode(strings.NewReader(""), "toml", "rev")
	require.NoError(t, err)
	assert.Empty(t, doc.Resources)
}
