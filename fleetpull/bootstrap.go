package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/jveski/fleetpull/internal/agent"
	"github.com/jveski/fleetpull/internal/bootstrap"
	"github.com/jveski/fleetpull/internal/credentials"
)

var bootstrapCommand = &cli.Command{
	Name:  "bootstrap",
	Usage: "Provision this machine and run the first convergence",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "repo", Usage: "git url of the desired state repository", EnvVars: []string{"FLEETPULL_REPO"}},
		&cli.StringFlag{Name: "branch", Usage: "branch (or commit) to converge to", EnvVars: []string{"FLEETPULL_BRANCH"}},
		&cli.StringFlag{Name: "deploy-key", Usage: "private deploy key", EnvVars: []string{"FLEETPULL_DEPLOY_KEY"}},
		&cli.StringFlag{Name: "deploy-key-file", Usage: "file holding the private deploy key", EnvVars: []string{"FLEETPULL_DEPLOY_KEY_FILE"}},
		&cli.StringFlag{Name: "vault-password", Usage: "password of the secrets bundle", EnvVars: []string{"FLEETPULL_VAULT_PASSWORD"}},
		&cli.StringFlag{Name: "vault-password-file", Usage: "file holding the password of the secrets bundle", EnvVars: []string{"FLEETPULL_VAULT_PASSWORD_FILE"}},
		&cli.StringFlag{Name: "autologin-user", Usage: "user to log in automatically", EnvVars: []string{"FLEETPULL_AUTOLOGIN_USER"}},
		&cli.StringFlag{Name: "autologin-password", Usage: "password of the auto-login user", EnvVars: []string{"FLEETPULL_AUTOLOGIN_PASSWORD"}},
	},
	Action: bootstrapCmd,
}

func bootstrapCmd(c *cli.Context) error {
	ac, err := setup(c)
	if err != nil {
		return err
	}
	if user := c.String("autologin-user"); user != "" {
		ac.Config.AutoLogin.User = user
	}

	registrar, err := ac.Registrar()
	if err != nil {
		return err
	}

	terminal := &credentials.Terminal{In: os.Stdin, Out: os.Stderr}
	p := &bootstrap.Provisioner{
		Config:      ac.Config,
		Credentials: ac.Credentials,
		ConfigPath:  ac.ConfigPath,
		Repo:        c.String("repo"),
		Branch:      c.String("branch"),
		DeployKey: []credentials.Source{
			credentials.Inline(c.String("deploy-key")),
			credentials.File(c.String("deploy-key-file")),
			terminal,
		},
		VaultPassword: []credentials.Source{
			credentials.Inline(c.String("vault-password")),
			credentials.File(c.String("vault-password-file")),
			terminal,
		},
		AutoLoginPassword: []byte(c.String("autologin-password")),
		Runner:            ac.Runner,
		Registrar:         registrar,
		// built lazily so the agent sees the repository overrides
		Converge: func(ctx context.Context) (*agent.Result, error) {
			return ac.Agent().Run(ctx)
		},
	}

	// logs stay on stderr: nothing may be written before the credentials validate
	_, err = p.Run(c.Context)
	return err
}
