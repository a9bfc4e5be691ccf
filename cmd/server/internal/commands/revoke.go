package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tokengate/internal/logger"
	"github.com/wolfeidau/tokengate/internal/password"
	"github.com/wolfeidau/tokengate/internal/store"
)

// RevokeCmd invalidates every token held by a user.
type RevokeCmd struct {
	User string `arg:"" help:"username or user ID whose tokens are revoked"`

	Token TokenFlags `embed:"" prefix:"token-"`
	Cache CacheFlags `embed:"" prefix:"cache-"`
	Store StoreFlags `embed:""`
}

func (c *RevokeCmd) Run(globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)
	return c.run(context.Background())
}

func (c *RevokeCmd) run(ctx context.Context) error {
	if c.Store.StoreType == "memory" {
		return errors.New("revoke needs a persistent store (--store-type sqlite or postgres)")
	}
	if c.Cache.Type == "memory" {
		// the server's memory cache lives in its own process and would keep
		// serving the old version until the entry expires
		return fmt.Errorf("revoke cannot reach a server using --cache-type=memory: revoked tokens stay valid for up to %s (--cache-ttl); "+
			"run the server with --cache-type=redis or none and pass the same setting here", c.Cache.TTL)
	}

	principals, closeStore, err := c.Store.open(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	versionCache, closeCache, err := c.Cache.open(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	tokens, err := c.Token.newService(principals, versionCache, c.Cache.TTL)
	if err != nil {
		return err
	}

	principalID, err := resolveUser(ctx, principals, c.User)
	if err != nil {
		return err
	}

	if err := tokens.RevokeAll(ctx, principalID.String()); err != nil {
		return fmt.Errorf("failed to revoke tokens: %w", err)
	}

	log.Info().Str("principal_id", principalID.String()).Str("cache", c.Cache.Type).Msg("Tokens revoked")
	return nil
}

func resolveUser(ctx context.Context, principals store.PrincipalStore, user string) (uuid.UUID, error) {
	if id, err := uuid.Parse(user); err == nil {
		if _, err := principals.Get(ctx, id); err != nil {
			return uuid.Nil, fmt.Errorf("failed to load user %s: %w", user, err)
		}
		return id, nil
	}

	p, err := principals.GetByUsername(ctx, user)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load user %s: %w", user, err)
	}
	return p.PrincipalID, nil
}

// HashPasswordCmd prints the argon2id hash of a password read from stdin.
type HashPasswordCmd struct {
	NoCheck bool `help:"skip the password strength check"`
}

func (c *HashPasswordCmd) Run(globals *Globals) error {
	return c.run(os.Stdin, os.Stdout)
}

func (c *HashPasswordCmd) run(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")

	if !c.NoCheck {
		if err := password.CheckStrength(pw); err != nil {
			return err
		}
	}

	hasher, err := password.NewHasher(password.DefaultConfig())
	if err != nil {
		return err
	}

	hash, err := hasher.Hash(pw)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, hash)
	return err
}
