// Command migrate applies the command journal schema.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"boxoffice.org/internal/audit"
	"boxoffice.org/internal/config"
)

func main() {
	log.SetFlags(0)
	if err := config.LoadDotEnv(); err != nil {
		log.Print(err)
	}
	dsn := pflag.String("dsn", os.Getenv("BOXOFFICE_AUDIT_DSN"), "PostgreSQL DSN of the command journal")
	timeout := pflag.Duration("timeout", 30*time.Second, "overall timeout")
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or BOXOFFICE_AUDIT_DSN")
	}
	if pflag.NArg() == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := audit.New(db).Migrations()

	switch pflag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", pflag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", pflag.Arg(0), err)
	}
}
