package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unsentlabs/unsent/go/internal/dbconfig"
	"github.com/unsentlabs/unsent/go/internal/knot/store/db"
)

func main() {
	prune := flag.Duration("prune", 0, "delete ended knot sessions older than this (0 keeps everything)")
	flag.Parse()

	ctx := context.Background()

	// 1) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 2) Apply the embedded schema in file name order
	files, err := schemaFiles()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read schema: %v\n", err)
		os.Exit(1)
	}
	for _, name := range files {
		ddl, err := fs.ReadFile(db.Schema, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(ddl)); err != nil {
			fmt.Fprintf(os.Stderr, "apply %s: %v\n", name, err)
			os.Exit(1)
		}
		fmt.Printf("applied %s\n", name)
	}

	// 3) Optionally drop old ended sessions; their audit rows cascade
	if *prune > 0 {
		cutoff := time.Now().Add(-*prune)
		tag, err := pool.Exec(ctx, `
            DELETE FROM knot_sessions
            WHERE is_active = FALSE
              AND ended_at < $1
        `, cutoff)
		if err != nil {
			fmt.Fprintf(os.Stderr, "prune: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("pruned %d ended sessions older than %s\n", tag.RowsAffected(), *prune)
	}

	fmt.Printf("knot schema ready on %s/%s\n", cfg.Host, cfg.Database)
}

func schemaFiles() ([]string, error) {
	names, err := fs.Glob(db.Schema, "schema/*.sql")
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no schema files embedded")
	}
	sort.Strings(names)
	return names, nil
}
