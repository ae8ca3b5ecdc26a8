package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seamly/rollout/internal/config"
	"github.com/seamly/rollout/internal/repository"
)

const commandTimeout = 30 * time.Second

// runCommand dispatches the administrative subcommands. Keys cannot be
// minted over the API (the API requires a key), so operators bootstrap
// them with the same binary that serves.
func runCommand(name string, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch name {
	case "create-api-key":
		return createAPIKey(ctx, args)
	case "list-api-keys":
		return listAPIKeys(ctx)
	case "revoke-api-key":
		return revokeAPIKey(ctx, args)
	default:
		return fmt.Errorf("unknown command %q (expected create-api-key, list-api-keys or revoke-api-key)", name)
	}
}

func openRepository(ctx context.Context) (*repository.PostgresRepository, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := runMigrations(pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	return repository.NewPostgresRepository(pool), pool.Close, nil
}

func createAPIKey(ctx context.Context, args []string) error {
	var name string
	if len(args) > 0 {
		name = args[0]
	}

	repo, closePool, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer closePool()

	keyID, secret, err := repo.CreateAPIKey(ctx, name)
	if err != nil {
		return err
	}

	// The "keyID.secret" token is what callers put in the Authorization
	// header. The secret is only stored hashed, so this is the one chance
	// to read it.
	fmt.Printf("%s.%s\n", keyID, secret)
	return nil
}

func listAPIKeys(ctx context.Context) error {
	repo, closePool, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer closePool()

	keys, err := repo.ListAPIKeys(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED")
	for _, key := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\n", key.ID, key.Name, key.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func revokeAPIKey(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("revoke-api-key requires a key id")
	}

	repo, closePool, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer closePool()

	if err := repo.DeleteAPIKey(ctx, args[0]); err != nil {
		return err
	}

	fmt.Printf("revoked %s\n", args[0])
	return nil
}
