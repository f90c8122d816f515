// Command kvreplicad is a demo harness: it opens a primary replica and a
// secondary replica connected by an in-process loopback transport, then
// drives a handful of writes through the primary to show the secondary
// catching up via the replication pump.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kvreplica/engine/internal/config"
	"github.com/kvreplica/engine/internal/logging"
	"github.com/kvreplica/engine/internal/txn"
	"github.com/kvreplica/engine/replica"
	"github.com/kvreplica/engine/replicator/loopback"
)

func main() {
	primaryDir := flag.String("primary-dir", "", "local store directory for the primary replica")
	secondaryDir := flag.String("secondary-dir", "", "local store directory for the secondary replica")
	writes := flag.Int("writes", 5, "number of demo rows to write")
	flag.Parse()

	if *primaryDir == "" || *secondaryDir == "" {
		tmp, err := os.MkdirTemp("", "kvreplicad-")
		if err != nil {
			fatal(err)
		}
		if *primaryDir == "" {
			*primaryDir = tmp + "/primary"
		}
		if *secondaryDir == "" {
			*secondaryDir = tmp + "/secondary"
		}
	}

	log := logging.NewDefault()
	cfg := config.Default()

	lb := loopback.New()

	secondaryReplica, err := replica.Open(*secondaryDir, lb, cfg, log.With("role", "secondary"))
	if err != nil {
		fatal(err)
	}
	defer secondaryReplica.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := secondaryReplica.ChangeRole(ctx, replica.RoleActive); err != nil {
		fatal(err)
	}

	primaryReplica, err := replica.Open(*primaryDir, lb, cfg, log.With("role", "primary"))
	if err != nil {
		fatal(err)
	}
	defer primaryReplica.Close()
	if err := primaryReplica.ChangeRole(ctx, replica.RolePrimary); err != nil {
		fatal(err)
	}

	for i := 0; i < *writes; i++ {
		if err := primaryReplica.Machine().StartTransaction(); err != nil {
			fatal(err)
		}
		tx := txn.New(primaryReplica.Store())
		key := fmt.Sprintf("demo-key-%d", i)
		value := []byte(fmt.Sprintf("demo-value-%d", i))
		if err := tx.Insert("demo", key, value); err != nil {
			fatal(err)
		}
		lsn, err := primaryReplica.Pipeline().Commit(ctx, tx.LocalTx(), tx.Ops(), tx.ActivityID())
		primaryReplica.Machine().FinishTransaction()
		if err != nil {
			fatal(err)
		}
		log.Info("committed demo row", "key", key, "lsn", lsn)
	}

	time.Sleep(200 * time.Millisecond)
	log.Info("demo run complete")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "kvreplicad:", err)
	os.Exit(1)
}
