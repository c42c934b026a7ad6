// Package bench measures overhead of the instrumentation. Each scenario runs on a bare and on
// an instrumented connection, every round takes the best of Sets runs of Reps executions,
// and per-query times are averaged over all rounds.
//
// Optional concurrent pass runs the query from Workers instrumented connections at once and
// checks that the trace database counted every execution.
package bench

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/y2ktrace/app/fingerprint"
	"github.com/umputun/y2ktrace/app/shadow"
)

// Params of the benchmark
type Params struct {
	Reps               int    // executions per set
	Sets               int    // sets per round, the fastest one counts
	Rounds             int    // rounds summed together
	Workers            int    // concurrent instrumented connections, 0 or 1 to skip the concurrent pass
	Dir                string // location of temporary databases
	BareDriver         string // plain sqlite driver name
	InstrumentedDriver string // driver with the extension loaded
}

// Result of a single scenario
type Result struct {
	Scenario     Scenario
	Bare         time.Duration // per query
	Instrumented time.Duration // per query
	Total        int           // measured queries per connection

	// concurrent pass, zero if skipped
	Concurrent int   // executions sent by all workers
	Recorded   int64 // executions counted by the trace database during the pass
}

// Runner executes scenarios
type Runner struct {
	Params
}

// Overhead per query
func (r Result) Overhead() time.Duration { return r.Instrumented - r.Bare }

// OverheadPct is overhead relative to the bare query
func (r Result) OverheadPct() float64 {
	if r.Bare <= 0 {
		return 0
	}
	return float64(r.Overhead()) / float64(r.Bare) * 100
}

// Consistent reports if the concurrent pass lost no executions
func (r Result) Consistent() bool {
	return int64(r.Concurrent) == r.Recorded
}

func (r Result) String() string {
	us := func(d time.Duration) float64 { return float64(d) / float64(time.Microsecond) }
	sb := strings.Builder{}
	fmt.Fprintf(&sb, "\n#### `%s`\n%s\n", r.Scenario, strings.Repeat("-", 45))
	fmt.Fprintf(&sb, "Time per bare query:\t\t%.2f μs\n", us(r.Bare))
	fmt.Fprintf(&sb, "Time per instrumented query:\t%.2f μs\n", us(r.Instrumented))
	fmt.Fprintf(&sb, "Overhead per query:\t\t%.2f μs\n", us(r.Overhead()))
	fmt.Fprintf(&sb, "Overhead percentage:\t\t%.1f%%\n", r.OverheadPct())
	fmt.Fprintf(&sb, "Total queries:\t\t\t%d\n", r.Total)
	if r.Concurrent > 0 {
		fmt.Fprintf(&sb, "Concurrent executions:\t\t%d, recorded %d\n", r.Concurrent, r.Recorded)
	}
	return sb.String()
}

// Run measures one scenario. Temporary databases are removed on return
func (r *Runner) Run(ctx context.Context, sc Scenario) (res Result, err error) {
	p := r.withDefaults()
	barePath := filepath.Join(p.Dir, "bench.db")
	instrPath := filepath.Join(p.Dir, "bench.instrumented.db")
	defer cleanup(barePath, instrPath)

	bare, err := openDB(ctx, p.BareDriver, barePath)
	if err != nil {
		return Result{}, err
	}
	defer bare.Close()
	instr, err := openDB(ctx, p.InstrumentedDriver, instrPath)
	if err != nil {
		return Result{}, err
	}
	defer instr.Close()

	for _, q := range sc.Setup {
		if _, err = bare.ExecContext(ctx, q); err != nil {
			return Result{}, fmt.Errorf("bare setup %q: %w", q, err)
		}
		if _, err = instr.ExecContext(ctx, q); err != nil {
			return Result{}, fmt.Errorf("instrumented setup %q: %w", q, err)
		}
	}

	res = Result{Scenario: sc}
	var bareTime, instrTime time.Duration
	for i := 0; i < p.Rounds; i++ {
		bt, err := bestOf(ctx, bare, sc.Query, p.Sets, p.Reps)
		if err != nil {
			return Result{}, fmt.Errorf("bare round %d: %w", i+1, err)
		}
		it, err := bestOf(ctx, instr, sc.Query, p.Sets, p.Reps)
		if err != nil {
			return Result{}, fmt.Errorf("instrumented round %d: %w", i+1, err)
		}
		bareTime += bt
		instrTime += it
		res.Total += p.Reps
	}
	res.Bare = bareTime / time.Duration(res.Total)
	res.Instrumented = instrTime / time.Duration(res.Total)
	if bareTime >= instrTime {
		log.Printf("[WARN] bare connection is not faster than instrumented for %q", sc.Query)
	}

	if p.Workers > 1 {
		if err = r.concurrent(ctx, instr, instrPath, sc, p, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// concurrent runs query from Workers connections and checks the recorded count
func (r *Runner) concurrent(ctx context.Context, db *sql.DB, hostPath string, sc Scenario, p Params, res *Result) error {
	tracePath, err := shadow.ResolvePath(hostPath)
	if err != nil {
		return err
	}
	store, err := shadow.Open(tracePath, shadow.Params{})
	if err != nil {
		return fmt.Errorf("can't open trace database: %w", err)
	}
	defer store.Close()

	hash := fingerprint.Of(sc.Query)
	countOf := func() (int64, error) {
		cnt, err := store.Count(hash)
		if err != nil || cnt == nil {
			return 0, err
		}
		return cnt.ExeCount, nil
	}
	before, err := countOf()
	if err != nil {
		return err
	}

	db.SetMaxOpenConns(p.Workers)
	ewg := syncs.NewErrSizedGroup(p.Workers, syncs.Preemptive)
	for i := 0; i < p.Workers; i++ {
		ewg.Go(func() error {
			conn, err := db.Conn(ctx)
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			defer conn.Close()
			for j := 0; j < p.Reps; j++ {
				if _, err := conn.ExecContext(ctx, sc.Query); err != nil {
					return fmt.Errorf("worker %d: %w", i, err)
				}
			}
			return nil
		})
	}
	if err := ewg.Wait(); err != nil {
		return fmt.Errorf("concurrent pass failed: %w", err)
	}

	after, err := countOf()
	if err != nil {
		return err
	}
	res.Concurrent = p.Workers * p.Reps
	res.Recorded = after - before
	if !res.Consistent() {
		log.Printf("[WARN] concurrent pass sent %d executions, trace database recorded %d", res.Concurrent, res.Recorded)
	}
	return nil
}

// bestOf returns the fastest of sets runs, each executing query reps times
func bestOf(ctx context.Context, db *sql.DB, query string, sets, reps int) (time.Duration, error) {
	best := time.Duration(-1)
	for s := 0; s < sets; s++ {
		st := time.Now()
		for i := 0; i < reps; i++ {
			if _, err := db.ExecContext(ctx, query); err != nil {
				return 0, err
			}
		}
		if d := time.Since(st); best < 0 || d < best {
			best = d
		}
	}
	return best, nil
}

func openDB(ctx context.Context, driverName, path string) (*sql.DB, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("can't open %s with %s: %w", path, driverName, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("can't connect to %s: %w (also failed to close db: %v)", path, err, closeErr)
		}
		return nil, fmt.Errorf("can't connect to %s: %w", path, err)
	}
	return db, nil
}

// cleanup removes host and trace databases with their wal/shm files
func cleanup(hostPaths ...string) {
	for _, hp := range hostPaths {
		files := []string{hp}
		if tp, err := shadow.ResolvePath(hp); err == nil {
			files = append(files, tp)
		}
		for _, f := range files {
			for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
				if err := os.Remove(f + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
					log.Printf("[WARN] can't remove %s, %v", f+suffix, err)
				}
			}
		}
	}
}

func (r *Runner) withDefaults() Params {
	p := r.Params
	if p.Reps <= 0 {
		p.Reps = 1024
	}
	if p.Sets <= 0 {
		p.Sets = 16
	}
	if p.Rounds <= 0 {
		p.Rounds = 8
	}
	if p.Dir == "" {
		p.Dir = "."
	}
	if p.BareDriver == "" {
		p.BareDriver = "sqlite3"
	}
	return p
}
