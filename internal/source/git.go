// Package source retrieves the desired state from its git repository.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	gossh "golang.org/x/crypto/ssh"

	"github.com/jveski/fleetpull/internal/failure"
	"github.com/jveski/fleetpull/internal/logging"
)

// Checkout is the local working copy at a fetched revision.
type Checkout struct {
	Dir      string
	Revision string
}

type Source interface {
	// Fetch brings the local checkout to ref (a branch name or a commit hash).
	// The deploy key may be nil for sources that need no authentication.
	Fetch(ctx context.Context, ref string, deployKey []byte) (*Checkout, error)
}

// Git keeps a local working copy of a remote repository.
type Git struct {
	URL        string
	Dir        string
	KnownHosts string // optional known_hosts file; the ssh defaults apply otherwise

	// HostKeyFingerprint pins the server's host key (SHA256:... as printed by ssh-keygen -l).
	// It replaces known_hosts verification when set.
	HostKeyFingerprint string
}

func (g *Git) Fetch(ctx context.Context, ref string, deployKey []byte) (*Checkout, error) {
	if g.URL == "" {
		return nil, failure.Configuration("no desired state repository configured")
	}

	auth, err := g.auth(deployKey)
	if err != nil {
		return nil, err
	}

	repo, err := g.open()
	if err != nil {
		return nil, err
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Auth:       auth,
		Force:      true,
		Tags:       git.NoTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, failure.Fetch("fetching %s: %w", g.URL, err)
	}

	hash, err := resolve(repo, ref)
	if err != nil {
		return nil, failure.Fetch("resolving %q: %w", ref, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, failure.Internal("opening worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return nil, failure.Internal("checking out %s: %w", hash, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return nil, failure.Internal("cleaning worktree: %w", err)
	}

	logger := logging.WithComponent("source")

	logger.Info().Str("revision", hash.String()).Str("ref", ref).Msg("checked out desired state")
	return &Checkout{Dir: g.Dir, Revision: hash.String()}, nil
}

// open returns the local repository, initializing it and pointing origin at g.URL as needed.
func (g *Git) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(g.Dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(g.Dir, 0755); err != nil {
			return nil, failure.Internal("creating checkout dir: %w", err)
		}
		repo, err = git.PlainInit(g.Dir, false)
	}
	if err != nil {
		return nil, failure.Internal("opening checkout: %w", err)
	}

	remote, err := repo.Remote("origin")
	if err == nil && len(remote.Config().URLs) > 0 && remote.Config().URLs[0] == g.URL {
		return repo, nil
	}
	if err == nil {
		if err := repo.DeleteRemote("origin"); err != nil {
			return nil, failure.Internal("replacing origin: %w", err)
		}
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{g.URL}}); err != nil {
		return nil, failure.Internal("configuring origin: %w", err)
	}
	return repo, nil
}

func resolve(repo *git.Repository, ref string) (plumbing.Hash, error) {
	if plumbing.IsHash(ref) {
		hash := plumbing.NewHash(ref)
		if _, err := repo.CommitObject(hash); err != nil {
			return plumbing.ZeroHash, err
		}
		return hash, nil
	}

	hash, err := repo.ResolveRevision(plumbing.Revision("refs/remotes/origin/" + ref))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return *hash, nil
}

func (g *Git) auth(deployKey []byte) (transport.AuthMethod, error) {
	if len(deployKey) == 0 || !isSSH(g.URL) {
		return nil, nil
	}

	keys, err := ssh.NewPublicKeys(sshUser(g.URL), deployKey, "")
	if err != nil {
		return nil, failure.Configuration("parsing deploy key: %w", err)
	}
	switch {
	case g.HostKeyFingerprint != "" && g.KnownHosts != "":
		return nil, failure.Configuration("known_hosts and host_key_fingerprint are mutually exclusive")
	case g.HostKeyFingerprint != "":
		keys.HostKeyCallback = pinnedHostKey(g.HostKeyFingerprint)
	case g.KnownHosts != "":
		keys.HostKeyCallback, err = ssh.NewKnownHostsCallback(g.KnownHosts)
		if err != nil {
			return nil, failure.Configuration("loading known hosts: %w", err)
		}
	}
	return keys, nil
}

func pinnedHostKey(want string) gossh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key gossh.PublicKey) error {
		if got := gossh.FingerprintSHA256(key); got != want {
			return fmt.Errorf("host key of %s is %s, expected %s", hostname, got, want)
		}
		return nil
	}
}

func isSSH(url string) bool {
	if strings.HasPrefix(url, "ssh://") {
		return true
	}
	if strings.Contains(url, "://") || strings.HasPrefix(url, "/") {
		return false
	}
	return strings.Contains(url, ":") // scp-like user@host:path
}

func sshUser(url string) string {
	url = strings.TrimPrefix(url, "ssh://")
	if i := strings.Index(url, "@"); i > 0 && !strings.ContainsAny(url[:i], "/:") {
		return url[:i]
	}
	return "git"
}

func (c *Checkout) String() string { return fmt.Sprintf("%s@%s", c.Dir, c.Revision) }
