package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/shop/internal/storage/postgres"
)

// Утилита управления схемой магазина: применяет и откатывает встроенные
// миграции (customers, products, orders, orders_products, outbox_messages,
// idempotency_keys) и показывает текущую версию.

type options struct {
	direction string
	steps     int
	dsn       string
	timeout   time.Duration
}

func parseOptions() options {
	var opts options

	flag.StringVar(&opts.direction, "direction", "up", "migration direction: up|down|status")
	flag.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	flag.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: SHOP_POSTGRES_DSN)")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall timeout for the run")
	flag.Parse()

	if strings.TrimSpace(opts.dsn) == "" {
		opts.dsn = strings.TrimSpace(os.Getenv("SHOP_POSTGRES_DSN"))
	}
	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	return opts
}

func main() {
	opts := parseOptions()
	if opts.dsn == "" {
		fail("SHOP_POSTGRES_DSN (or -dsn) is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer store.Close()

	summary, err := run(ctx, store, opts)
	if err != nil {
		fail("%v", err)
	}
	fmt.Println(summary)
}

// run выполняет команду и возвращает итоговую строку для stdout.
func run(ctx context.Context, store *postgres.Store, opts options) (string, error) {
	switch opts.direction {
	case "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return "", fmt.Errorf("migrate up failed: %w", err)
		}
	case "down":
		steps := opts.steps
		if steps <= 0 {
			steps = 1
		}
		if err := store.MigrateDown(ctx, steps); err != nil {
			return "", fmt.Errorf("migrate down failed: %w", err)
		}
	case "status":
		// Только статус, без изменений схемы.
	default:
		return "", fmt.Errorf("unsupported direction: %s (use up|down|status)", opts.direction)
	}

	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		return "", fmt.Errorf("migration status failed: %w", err)
	}
	return fmt.Sprintf("migrate %s ok: version=%d applied=%d", opts.direction, version, count), nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
