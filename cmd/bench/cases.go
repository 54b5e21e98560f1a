// README: Bench cases grouped by area: environment, auction, fulfillment, invariants and performance.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"agrimarket/internal/infra"
	"agrimarket/internal/types"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	// run scopes ids so repeated runs against one database do not collide.
	run string
}

const (
	StatusPass    = "PASS"
	StatusFail    = "FAIL"
	StatusPending = "PENDING"
	StatusSkip    = "SKIP"
)

// Group is the marketplace area a case checks; the summary and exit code are computed per group.
type Group string

const (
	GroupEnvironment Group = "environment"
	GroupAuction     Group = "auction"
	GroupFulfillment Group = "fulfillment"
	GroupInvariants  Group = "invariants"
	GroupPerformance Group = "performance"
)

var groupOrder = []Group{GroupEnvironment, GroupAuction, GroupFulfillment, GroupInvariants, GroupPerformance}

type Result struct {
	Name    string
	Group   Group
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name  string
	Group Group
	Run   func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		run:   types.NewID().String()[:8],
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = infra.NewRedis(r.cfg.RedisAddr)
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		res.Group = tc.Group
		results = append(results, res)
		fmt.Printf("%-7s [%s] %s", res.Status, tc.Group, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}

	return results
}

// token signs a bench identity; empty when the API secret is unknown.
func (r *Runner) token(uid string, role types.Role) string {
	if r.cfg.JWTSecret == "" {
		return ""
	}
	t, err := infra.SignJWT(r.cfg.JWTSecret, uid, string(role), time.Hour)
	if err != nil {
		return ""
	}
	return t
}

func (r *Runner) uid(name string) string {
	return "bench_" + r.run + "_" + name
}

type response struct {
	status  int
	body    []byte
	latency time.Duration
}

func (r *Runner) do(ctx context.Context, method, path, token string, body any) (response, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return response{status: resp.StatusCode, body: b, latency: time.Since(start)}, nil
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{
			Name:  "Env: Postgres connect",
			Group: GroupEnvironment,
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: StatusFail, Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: StatusFail, Note: err.Error()}
				}
				return Result{Status: StatusPass}
			},
		},
		{
			Name:  "Env: Redis connect",
			Group: GroupEnvironment,
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: StatusFail, Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: StatusFail, Note: err.Error()}
				}
				return Result{Status: StatusPass}
			},
		},
		{
			Name:  "Migration: apply (optional)",
			Group: GroupEnvironment,
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: StatusSkip, Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: StatusFail, Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: StatusFail, Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: StatusFail, Note: err.Error()}
					}
				}
				return Result{Status: StatusPass}
			},
		},
		{
			Name:  "Migration: tables exist",
			Group: GroupEnvironment,
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: StatusFail, Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: StatusFail, Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: StatusFail, Note: err.Error()}
					}
					if !exists {
						return Result{Status: StatusFail, Note: "missing table: " + t}
					}
				}
				return Result{Status: StatusPass}
			},
		},
		{
			Name:  "API: health",
			Group: GroupEnvironment,
			Run: func(ctx context.Context, r *Runner) Result {
				resp, err := r.do(ctx, http.MethodGet, "/health", "", nil)
				if err != nil {
					return Result{Status: StatusFail, Note: err.Error()}
				}
				if resp.status != http.StatusOK {
					return Result{Status: StatusFail, Latency: resp.latency, Note: fmt.Sprintf("status=%d", resp.status)}
				}
				return Result{Status: StatusPass, Latency: resp.latency}
			},
		},
		{
			Name:  "Auth: missing token -> 401",
			Group: GroupEnvironment,
			Run: func(ctx context.Context, r *Runner) Result {
				return expectStatus(r.do(ctx, http.MethodGet, "/api/contracts", "", nil))(http.StatusUnauthorized)
			},
		},

		// Contracts
		authCase("Contract: create (valid)", GroupAuction, func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.do(ctx, http.MethodPost, "/api/contracts",
				r.token(r.uid("buyer"), types.RoleCustomer), r.contractBody("10")))(http.StatusCreated)
		}),
		authCase("Contract: create (past deadline -> 400)", GroupAuction, func(ctx context.Context, r *Runner) Result {
			body := r.contractBody("10")
			body["deadline"] = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
			return expectStatus(r.do(ctx, http.MethodPost, "/api/contracts",
				r.token(r.uid("buyer"), types.RoleCustomer), body))(http.StatusBadRequest)
		}),
		authCase("Contract: farmer cannot post -> 403", GroupAuction, func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.do(ctx, http.MethodPost, "/api/contracts",
				r.token(r.uid("farmer_x"), types.RoleFarmer), r.contractBody("10")))(http.StatusForbidden)
		}),
		authCase("Contract: list open", GroupAuction, func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.do(ctx, http.MethodGet, "/api/contracts",
				r.token(r.uid("farmer_x"), types.RoleFarmer), nil))(http.StatusOK)
		}),
		authCase("Bid: duplicate bid -> 409", GroupAuction, duplicateBid),
		authCase("Contract: rival farmer cannot read bids -> 403", GroupAuction, rivalCannotReadBids),
		authCase("Contract: farmer listing", GroupAuction, func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.do(ctx, http.MethodGet, "/api/farmer/contracts",
				r.token(r.uid("farmer_x"), types.RoleFarmer), nil))(http.StatusOK)
		}),

		// Concurrency
		authCase("Concurrency: bid race awards once", GroupInvariants, bidRace),

		// Orders
		authCase("Order: checkout empty cart -> 400", GroupFulfillment, func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.do(ctx, http.MethodPost, "/api/orders",
				r.token(r.uid("shopper"), types.RoleCustomer), map[string]any{
					"shipping_address": map[string]any{
						"first_name": "Bench", "last_name": "Runner", "address": "Lipa City", "phone_number": "09170000000",
					},
				}))(http.StatusBadRequest)
		}),
		authCase("Order: checkout bad address -> 400", GroupFulfillment, func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.do(ctx, http.MethodPost, "/api/orders",
				r.token(r.uid("shopper"), types.RoleCustomer), map[string]any{"shipping_address": map[string]any{}}))(http.StatusBadRequest)
		}),
		authCase("Order: farmer pending list", GroupFulfillment, func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.do(ctx, http.MethodGet, "/api/farmer/orders/pending",
				r.token(r.uid("farmer_x"), types.RoleFarmer), nil))(http.StatusOK)
		}),
		authCase("Order: farmer approved list", GroupFulfillment, func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.do(ctx, http.MethodGet, "/api/farmer/orders/approved",
				r.token(r.uid("farmer_x"), types.RoleFarmer), nil))(http.StatusOK)
		}),
		authCase("Order: unknown order -> 404", GroupFulfillment, func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.do(ctx, http.MethodGet, "/api/orders/"+types.NewID().String(),
				r.token(r.uid("shopper"), types.RoleCustomer), nil))(http.StatusNotFound)
		}),

		// Data consistency
		dbCase("Consistency: awarded contracts point at their accepted bid", `
			SELECT COUNT(*) FROM contracts c
			WHERE c.status IN ('awarded','completed')
			  AND NOT EXISTS (SELECT 1 FROM bids b WHERE b.id = c.winning_bid_id AND b.status = 'accepted')`),
		dbCase("Consistency: at most one accepted bid per contract", `
			SELECT COUNT(*) FROM (
				SELECT contract_id FROM bids WHERE status = 'accepted' GROUP BY contract_id HAVING COUNT(*) > 1
			) dup`),
		dbCase("Consistency: order totals add up", `
			SELECT COUNT(*) FROM orders o
			WHERE o.total_amount <> o.subtotal + o.platform_fee
			   OR o.subtotal <> (SELECT COALESCE(SUM(total_price), 0) FROM order_items i WHERE i.order_id = o.id)`),
		dbCase("Consistency: no driver holds two active deliveries", `
			SELECT COUNT(*) FROM (
				SELECT driver_id FROM deliveries WHERE status <> 'delivered' GROUP BY driver_id HAVING COUNT(*) > 1
			) dup`),
		dbCase("Consistency: order status matches last event", `
			SELECT COUNT(*) FROM orders o
			WHERE o.status <> (SELECT e.to_status FROM order_state_events e WHERE e.order_id = o.id ORDER BY e.id DESC LIMIT 1)`),
		dbCase("Consistency: assigned orders have a delivery", `
			SELECT COUNT(*) FROM orders o
			WHERE o.driver_id IS NOT NULL AND NOT EXISTS (SELECT 1 FROM deliveries d WHERE d.order_id = o.id)`),

		// Performance
		authCase("Perf: list open contracts throughput", GroupPerformance, func(ctx context.Context, r *Runner) Result {
			return perfLoad(ctx, r, http.MethodGet, "/api/contracts", r.token(r.uid("farmer_x"), types.RoleFarmer), nil)
		}),
	}
}

func (r *Runner) contractBody(qty string) map[string]any {
	return map[string]any{
		"title":                    "Bench rice " + r.run,
		"crop_type":                "rice",
		"quantity_needed":          qty,
		"preferred_price_per_kilo": "45",
		"deadline":                 time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		"location":                 "Batangas",
	}
}

func (r *Runner) createContract(ctx context.Context, qty string) (string, error) {
	resp, err := r.do(ctx, http.MethodPost, "/api/contracts", r.token(r.uid("buyer"), types.RoleCustomer), r.contractBody(qty))
	if err != nil {
		return "", err
	}
	if resp.status != http.StatusCreated {
		return "", fmt.Errorf("create contract: status=%d", resp.status)
	}
	var c struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.body, &c); err != nil {
		return "", err
	}
	return c.ID, nil
}

func duplicateBid(ctx context.Context, r *Runner) Result {
	id, err := r.createContract(ctx, "1000")
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	token := r.token(r.uid("farmer_dup"), types.RoleFarmer)
	bid := map[string]any{"quantity_offered": "5", "price_per_kilo": "40"}
	first, err := r.do(ctx, http.MethodPost, "/api/contracts/"+id+"/bids", token, bid)
	if err != nil || first.status != http.StatusCreated {
		return Result{Status: StatusFail, Note: fmt.Sprintf("first bid status=%d err=%v", first.status, err)}
	}
	return expectStatus(r.do(ctx, http.MethodPost, "/api/contracts/"+id+"/bids", token, bid))(http.StatusConflict)
}

// rivalCannotReadBids places a bid and checks that another farmer is refused the contract detail.
func rivalCannotReadBids(ctx context.Context, r *Runner) Result {
	id, err := r.createContract(ctx, "1000")
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	bid := map[string]any{"quantity_offered": "5", "price_per_kilo": "41"}
	placed, err := r.do(ctx, http.MethodPost, "/api/contracts/"+id+"/bids", r.token(r.uid("farmer_a"), types.RoleFarmer), bid)
	if err != nil || placed.status != http.StatusCreated {
		return Result{Status: StatusFail, Note: fmt.Sprintf("bid status=%d err=%v", placed.status, err)}
	}
	return expectStatus(r.do(ctx, http.MethodGet, "/api/contracts/"+id, r.token(r.uid("farmer_b"), types.RoleFarmer), nil))(http.StatusForbidden)
}

// bidRace sends qualifying bids from many farmers at once; exactly one may win.
func bidRace(ctx context.Context, r *Runner) Result {
	id, err := r.createContract(ctx, "10")
	if err != nil {
		return Result{Status: StatusFail, Note: err.Error()}
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		closed  int
	)
	start := time.Now()
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := r.token(r.uid(fmt.Sprintf("farmer_%d", i)), types.RoleFarmer)
			resp, err := r.do(ctx, http.MethodPost, "/api/contracts/"+id+"/bids", token, map[string]any{
				"quantity_offered": "10",
				"price_per_kilo":   fmt.Sprintf("%d", 30+i%7),
			})
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch resp.status {
			case http.StatusCreated:
				created++
			case http.StatusConflict:
				closed++
			}
		}(i)
	}
	wg.Wait()
	latency := time.Since(start)

	if r.db == nil {
		return Result{Status: StatusPending, Latency: latency, Note: "db not configured; cannot verify award"}
	}
	var accepted int
	var status string
	var winnerMatches bool
	err = r.db.QueryRow(ctx, `
		SELECT c.status,
		       (SELECT COUNT(*) FROM bids b WHERE b.contract_id = c.id AND b.status = 'accepted'),
		       COALESCE(c.winning_bid_id = (
		           SELECT b.id FROM bids b WHERE b.contract_id = c.id
		           ORDER BY b.price_per_kilo, b.created_at, b.id LIMIT 1), FALSE)
		FROM contracts c WHERE c.id = $1`, id).Scan(&status, &accepted, &winnerMatches)
	if err != nil {
		return Result{Status: StatusFail, Latency: latency, Note: err.Error()}
	}
	note := fmt.Sprintf("created=%d closed=%d status=%s accepted=%d", created, closed, status, accepted)
	if status != "awarded" || accepted != 1 {
		return Result{Status: StatusFail, Latency: latency, Note: note}
	}
	if !winnerMatches {
		// Bids stored after the award were never candidates, so this is informational.
		note += " winner-not-global-lowest"
	}
	return Result{Status: StatusPass, Latency: latency, Note: note}
}

func authCase(name string, group Group, run func(ctx context.Context, r *Runner) Result) TestCase {
	return TestCase{
		Name:  name,
		Group: group,
		Run: func(ctx context.Context, r *Runner) Result {
			if r.cfg.JWTSecret == "" {
				return Result{Status: StatusPending, Note: "jwt-secret not set"}
			}
			return run(ctx, r)
		},
	}
}

// dbCase passes when the query counts zero violating rows.
func dbCase(name, query string) TestCase {
	return TestCase{
		Name:  name,
		Group: GroupInvariants,
		Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: StatusPending, Note: "db not configured"}
			}
			var n int
			if err := r.db.QueryRow(ctx, query).Scan(&n); err != nil {
				return Result{Status: StatusFail, Note: err.Error()}
			}
			if n > 0 {
				return Result{Status: StatusFail, Note: fmt.Sprintf("violations=%d", n)}
			}
			return Result{Status: StatusPass}
		},
	}
}

func expectStatus(resp response, err error) func(want int) Result {
	return func(want int) Result {
		if err != nil {
			return Result{Status: StatusFail, Note: err.Error()}
		}
		note := fmt.Sprintf("status=%d", resp.status)
		if resp.status != want {
			return Result{Status: StatusFail, Latency: resp.latency, Note: note + " " + strings.TrimSpace(string(resp.body))}
		}
		return Result{Status: StatusPass, Latency: resp.latency, Note: note}
	}
}

func perfLoad(ctx context.Context, r *Runner, method, path, token string, payload any) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count int64
	var errCount int64
	var mu sync.Mutex
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				resp, err := r.do(ctx, method, path, token, payload)
				mu.Lock()
				if err != nil || resp.status >= 500 {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: StatusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: StatusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
