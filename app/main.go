package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/y2ktrace/app/bench"
	"github.com/umputun/y2ktrace/app/diag"
	"github.com/umputun/y2ktrace/app/instrument"
	"github.com/umputun/y2ktrace/app/shadow"
)

const driverName = "sqlite3_y2k"

type benchCmd struct {
	File    string `short:"f" long:"file" env:"Y2K_BENCH_FILE" description:"scenarios yaml file, built-in scenarios if not set"`
	Reps    int    `long:"reps" env:"Y2K_BENCH_REPS" default:"1024" description:"executions per set"`
	Sets    int    `long:"sets" env:"Y2K_BENCH_SETS" default:"16" description:"sets per round, fastest counts"`
	Rounds  int    `long:"rounds" env:"Y2K_BENCH_ROUNDS" default:"8" description:"number of rounds"`
	Workers int    `long:"workers" env:"Y2K_BENCH_WORKERS" default:"0" description:"concurrent instrumented connections, 0 to skip"`
	Dir     string `long:"dir" env:"Y2K_BENCH_DIR" default:"." description:"location of temporary databases"`
}

type checkCmd struct {
	DB      string `long:"db" env:"Y2K_CHECK_DB" required:"true" description:"host database file, :memory: allowed"`
	ShowLog bool   `long:"show-log" env:"Y2K_CHECK_SHOW_LOG" description:"print diagnostic lines emitted by the extension"`
}

var opts struct {
	Bench benchCmd `command:"bench" description:"measure instrumentation overhead"`
	Check checkCmd `command:"check" description:"instrument a database and verify trace tables"`

	MemoryReject bool `long:"memory-reject" env:"Y2K_MEMORY_REJECT" description:"fail for databases without file instead of in-memory trace"`

	Shadow struct {
		BusyTimeout time.Duration `long:"busy-timeout" env:"BUSY_TIMEOUT" default:"5s" description:"trace database lock wait"`
		Retries     int           `long:"retries" env:"RETRIES" default:"3" description:"attempts for busy trace database writes"`
		RetryDelay  time.Duration `long:"retry-delay" env:"RETRY_DELAY" default:"10ms" description:"delay between write attempts"`
	} `group:"shadow" namespace:"shadow" env-namespace:"Y2K_SHADOW"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"y2ktrace.log" description:"file to log to"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum size in megabytes of the log file before it gets rotated"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"maximum number of old log files to retain"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"maximum number of days to retain old log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"Y2K_LOG"`

	Dbg bool `long:"dbg" env:"Y2K_DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	fmt.Printf("y2ktrace %s\n", revision)

	p := flags.NewParser(&opts, flags.Default)
	if _, err := p.Parse(); err != nil {
		os.Exit(2)
	}
	out := setupLogs()
	if opts.Dbg {
		log.Setup(log.Out(out), log.Err(out), log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile)
	} else {
		log.Setup(log.Out(out), log.Err(out), log.Msec)
	}

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, p.Active.Name)
	cancel()
	if err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string) error {
	if !instrument.TraceSupported {
		return instrument.ErrTraceUnsupported
	}
	ext := instrument.New(makeOptions())
	defer func() {
		if err := ext.Close(); err != nil {
			log.Printf("[WARN] failed to close extension, %v", err)
		}
	}()
	if err := ext.Register(driverName); err != nil {
		return err
	}

	switch command {
	case "bench":
		return runBench(ctx, opts.Bench, os.Stdout)
	case "check":
		return runCheck(ctx, opts.Check, os.Stdout)
	}
	return fmt.Errorf("unknown command %q", command)
}

func makeOptions() instrument.Options {
	res := instrument.Options{
		Memory: instrument.MemoryShadow,
		Shadow: shadow.Params{
			BusyTimeout: opts.Shadow.BusyTimeout,
			Retries:     opts.Shadow.Retries,
			RetryDelay:  opts.Shadow.RetryDelay,
		},
	}
	if opts.MemoryReject {
		res.Memory = instrument.MemoryReject
	}
	return res
}

func runBench(ctx context.Context, cmd benchCmd, out io.Writer) error {
	scenarios := bench.DefaultScenarios()
	if cmd.File != "" {
		var err error
		if scenarios, err = bench.LoadScenarios(cmd.File); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "SQLite Instrumentation Overhead Benchmark\n%s\n", "=============================================")
	runner := bench.Runner{Params: bench.Params{
		Reps:               cmd.Reps,
		Sets:               cmd.Sets,
		Rounds:             cmd.Rounds,
		Workers:            cmd.Workers,
		Dir:                cmd.Dir,
		BareDriver:         "sqlite3",
		InstrumentedDriver: driverName,
	}}
	for _, sc := range scenarios {
		res, err := runner.Run(ctx, sc)
		if err != nil {
			return fmt.Errorf("scenario %q failed: %w", sc, err)
		}
		fmt.Fprint(out, res.String())
	}
	return nil
}

// runCheck loads the extension into cmd.DB, runs a few statements and reports
// instrumentation tables on both sides
func runCheck(ctx context.Context, cmd checkCmd, out io.Writer) error {
	capt := diag.NewCapture(1000)
	if err := capt.Start(); err != nil {
		return err
	}
	defer capt.Stop()

	db, err := sql.Open(driverName, cmd.DB)
	if err != nil {
		return fmt.Errorf("can't open %s: %w", cmd.DB, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if err = db.PingContext(ctx); err != nil {
		return fmt.Errorf("can't load extension into %s: %w", cmd.DB, err)
	}
	fmt.Fprintf(out, "extension loaded into %s\n", cmd.DB)

	queries := []string{
		"CREATE TABLE IF NOT EXISTS y2k_check (id INTEGER, name TEXT)",
		"INSERT INTO y2k_check (id, name) VALUES (1, 'test1')",
		"INSERT INTO y2k_check (id, name) VALUES (2, 'test2')",
	}
	for _, q := range queries {
		if _, err = db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("check query %q failed: %w", q, err)
		}
	}
	var rows int
	if err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM y2k_check WHERE id > 0").Scan(&rows); err != nil {
		return fmt.Errorf("check select failed: %w", err)
	}
	fmt.Fprintf(out, "host table y2k_check has %d rows\n", rows)

	var hostTables int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND substr(name, 1, ?) = ?`,
		len(shadow.TablePrefix), shadow.TablePrefix).Scan(&hostTables)
	if err != nil {
		return fmt.Errorf("can't query host tables: %w", err)
	}
	fmt.Fprintf(out, "instrumentation tables in host database: %d\n", hostTables)
	if hostTables != 0 {
		return fmt.Errorf("host database %s has %d instrumentation tables", cmd.DB, hostTables)
	}

	if err = reportTrace(cmd.DB, out); err != nil {
		return err
	}

	if cmd.ShowLog {
		for _, m := range capt.Messages() {
			fmt.Fprintln(out, m)
		}
	}
	return nil
}

func reportTrace(hostPath string, out io.Writer) error {
	tracePath, err := shadow.ResolvePath(hostPath)
	if err != nil {
		fmt.Fprintf(out, "trace database: in-memory, not accessible outside of the connection\n")
		return nil
	}

	store, err := shadow.Open(tracePath, shadow.Params{})
	if err != nil {
		return fmt.Errorf("can't open trace database: %w", err)
	}
	defer store.Close()

	tables, err := store.Tables()
	if err != nil {
		return err
	}
	counts, err := store.Counts()
	if err != nil {
		return err
	}
	profiles, err := store.Profiles("")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "trace database %s, tables %v\n", tracePath, tables)
	fmt.Fprintf(out, "%s: %d entries\n", shadow.CountsTable, len(counts))
	fmt.Fprintf(out, "%s: %d entries\n", shadow.ProfileTable, len(profiles))
	return nil
}

// setupLogs returns writer for logs, rotated file if log file enabled
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}
}
