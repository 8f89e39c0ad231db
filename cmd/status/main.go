// Command status prints a one-shot snapshot of the shared store: per-status
// counts for tasks, proxies, workers, and results, plus staleness warnings.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Stepan2222000/zamer-avito-system/internal/db"
)

func main() {
	godotenv.Load(".env.local", ".env")
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgDB, err := db.InitFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	sections := []struct {
		name  string
		stats func(context.Context) (map[string]int64, error)
	}{
		{"tasks", db.NewTaskQueue(pgDB).Stats},
		{"proxies", db.NewProxyPool(pgDB, 0).Stats},
		{"workers", db.NewWorkerRegistry(pgDB).Stats},
		{"results", db.NewResultStore(pgDB).Stats},
	}

	for _, section := range sections {
		counts, err := section.stats(ctx)
		if err != nil {
			log.Fatal().Err(err).Str("section", section.name).Msg("Failed to query stats")
		}

		statuses := make([]string, 0, len(counts))
		var total int64
		for status, count := range counts {
			statuses = append(statuses, status)
			total += count
		}
		sort.Strings(statuses)

		fmt.Fprintf(w, "%s\ttotal %d\n", section.name, total)
		for _, status := range statuses {
			fmt.Fprintf(w, "  %s\t%d\n", status, counts[status])
		}
		fmt.Fprintln(w)
	}

	printHealth(ctx, pgDB, w)
	w.Flush()
}

// printHealth reports in-flight rows that the reaper would consider stale.
func printHealth(ctx context.Context, pgDB *db.DB, w *tabwriter.Writer) {
	checks := []struct {
		label string
		query string
	}{
		{"stale processing tasks (>10m)",
			`SELECT COUNT(*) FROM tasks WHERE status = 'processing' AND last_attempt_at < NOW() - INTERVAL '10 minutes'`},
		{"stale proxy locks (>5m)",
			`SELECT COUNT(*) FROM proxies WHERE status = 'locked' AND locked_at < NOW() - INTERVAL '5 minutes'`},
		{"silent active workers (>4m)",
			`SELECT COUNT(*) FROM workers WHERE status = 'active' AND last_heartbeat < NOW() - INTERVAL '4 minutes'`},
	}

	fmt.Fprintln(w, "health")
	for _, check := range checks {
		var count int64
		if err := pgDB.GetDB().QueryRowContext(ctx, check.query).Scan(&count); err != nil {
			log.Fatal().Err(err).Str("check", check.label).Msg("Failed to run health check")
		}
		fmt.Fprintf(w, "  %s\t%d\n", check.label, count)
	}
}
