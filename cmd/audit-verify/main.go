package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"entitycore.org/internal/audit"
	"entitycore.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn  = flag.String("dsn", os.Getenv("ENTITYCORE_PG_DSN"), "PostgreSQL DSN")
		from = flag.Uint64("from", 0, "first sequence to verify (0 = chain start)")
		to   = flag.Uint64("to", 0, "last sequence to verify (0 = chain tip)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or ENTITYCORE_PG_DSN")
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := audit.NewVerifier(store).Verify(ctx, *from, *to)
	if err != nil {
		var verr *audit.VerificationError
		if errors.As(err, &verr) {
			log.Fatalf("chain BROKEN at sequence %d: %s", verr.Sequence, verr.Reason)
		}
		log.Fatalf("verify: %v", err)
	}

	if result.Checked == 0 {
		fmt.Println("chain OK: no entries in range")
		return
	}
	fmt.Printf("chain OK: %d entries verified, sequences %d..%d\n",
		result.Checked, result.StartSequence, result.EndSequence)
}
