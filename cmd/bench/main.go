// README: Marketplace acceptance bench; runs grouped HTTP/DB cases against a live API and exits non-zero on broken invariants.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"agrimarket/internal/config"
)

// Exit codes. A broken invariant outranks any other failure.
const (
	exitOK        = 0
	exitFailed    = 1
	exitInvariant = 2
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("bench config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	results := NewRunner(cfg).RunAll(ctx)
	sum := summarize(results)
	sum.print(os.Stdout)
	os.Exit(sum.exitCode(cfg.Strict))
}

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	JWTSecret      string
	MigrationPath  string
	ApplyMigration bool
	Strict         bool
	Timeout        time.Duration
	Concurrency    int
	Duration       time.Duration
}

// loadConfig takes DB, Redis and JWT settings from the API's own environment so the bench targets
// the same deployment; flags override them.
func loadConfig(args []string) (Config, error) {
	app, err := config.Load()
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.StringVar(&cfg.BaseURL, "base-url", localURL(app.HTTP.Addr), "API base URL")
	fs.StringVar(&cfg.DSN, "dsn", app.DB.DSN, "Postgres DSN")
	fs.StringVar(&cfg.RedisAddr, "redis", app.Redis.Addr, "Redis address")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", app.Auth.JWTSecret, "HS256 secret of an API running with AGRI_AUTH_MODE=jwt")
	fs.StringVar(&cfg.MigrationPath, "migration", "migrations/0001_init.sql", "migration SQL path")
	fs.BoolVar(&cfg.ApplyMigration, "apply-migration", false, "apply the migration before running")
	fs.BoolVar(&cfg.Strict, "strict", false, "treat pending cases as failures")
	fs.DurationVar(&cfg.Timeout, "timeout", 60*time.Second, "total timeout")
	fs.IntVar(&cfg.Concurrency, "concurrency", 20, "parallel farmers in the bid race and perf load")
	fs.DurationVar(&cfg.Duration, "duration", 10*time.Second, "perf load duration")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.Concurrency <= 0 {
		return Config{}, fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

// localURL points at the port the API listens on.
func localURL(addr string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil && port != "" {
		return "http://localhost:" + port
	}
	return "http://localhost:8080"
}

type tally struct {
	Pass, Fail, Pending, Skip int
}

func (t *tally) add(status string) {
	switch status {
	case StatusPass:
		t.Pass++
	case StatusFail:
		t.Fail++
	case StatusPending:
		t.Pending++
	case StatusSkip:
		t.Skip++
	}
}

type summary struct {
	groups map[Group]*tally
	total  tally
	// broken lists failed invariant cases by name.
	broken []string
}

func summarize(results []Result) summary {
	s := summary{groups: make(map[Group]*tally)}
	for _, r := range results {
		t, ok := s.groups[r.Group]
		if !ok {
			t = &tally{}
			s.groups[r.Group] = t
		}
		t.add(r.Status)
		s.total.add(r.Status)
		if r.Group == GroupInvariants && r.Status == StatusFail {
			s.broken = append(s.broken, r.Name)
		}
	}
	return s
}

func (s summary) exitCode(strict bool) int {
	switch {
	case len(s.broken) > 0:
		return exitInvariant
	case s.total.Fail > 0, strict && s.total.Pending > 0:
		return exitFailed
	}
	return exitOK
}

func (s summary) print(w io.Writer) {
	fmt.Fprintln(w, "\n== Summary ==")
	for _, g := range groupOrder {
		t, ok := s.groups[g]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%-12s pass=%d fail=%d pending=%d skip=%d\n", g, t.Pass, t.Fail, t.Pending, t.Skip)
	}
	fmt.Fprintf(w, "%-12s pass=%d fail=%d pending=%d skip=%d\n", "total", s.total.Pass, s.total.Fail, s.total.Pending, s.total.Skip)
	for _, name := range s.broken {
		fmt.Fprintf(w, "BROKEN INVARIANT: %s\n", name)
	}
}
