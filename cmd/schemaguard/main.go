package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirajehossain/schemaguard/internal/changelog"
	"github.com/mirajehossain/schemaguard/internal/checksum"
	"github.com/mirajehossain/schemaguard/internal/config"
	"github.com/mirajehossain/schemaguard/internal/db"
	"github.com/mirajehossain/schemaguard/internal/executor"
	"github.com/mirajehossain/schemaguard/internal/lock"
	"github.com/mirajehossain/schemaguard/internal/logger"
	"github.com/mirajehossain/schemaguard/internal/rollback"
	"github.com/mirajehossain/schemaguard/internal/runner"
	"github.com/mirajehossain/schemaguard/internal/source"
)

const (
	exitOK     = 0
	exitDrift  = 2
	exitLocked = 3
	exitFail   = 4
	exitUsage  = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help" {
		usage()
		return exitOK
	}
	cmd := os.Args[1]

	global := flag.NewFlagSet("global", flag.ContinueOnError)
	dsn := global.String("dsn", "", "Database DSN (or DB_DSN)")
	dir := global.String("dir", "", "Migrations directory (or MIGRATIONS_DIR)")
	jsonOut := global.Bool("json", false, "JSON logs")
	conf := global.String("config", "", "Optional YAML config path")
	lockKey := global.Int64("lock-key", 0, "Advisory lock key (or LOCK_KEY)")
	lockTimeout := global.Int("lock-timeout", 0, "Lock wait timeout seconds (or LOCK_TIMEOUT_SEC)")
	table := global.String("table", "", "Changelog table name")
	executedBy := global.String("executed-by", "", "Override executed_by principal")
	noValidate := global.Bool("no-validate", false, "Skip checksum validation of applied migrations")
	limit := global.Int("limit", 20, "History limit")
	includeFailed := global.Bool("all", false, "Include failed attempts in history")
	desc := global.String("desc", "", "Baseline description")
	file := global.String("file", "", "Migration file for execute")
	repeatable := global.Bool("repeatable", false, "Scaffold a repeatable migration")

	// commands taking positional args before the flags
	positional := map[string]int{
		"lock-wait": 1, "baseline": 1, "rollback": 1, "rollback-to": 1,
		"register-rollback": 2, "create": 1, "is-applied": 1,
	}
	argStart := 2 + positional[cmd]
	if len(os.Args) < argStart {
		fmt.Fprintf(os.Stderr, "%s requires %d argument(s)\n", cmd, positional[cmd])
		return exitUsage
	}
	if err := global.Parse(os.Args[argStart:]); err != nil {
		return exitUsage
	}

	cfg, _ := config.LoadYAML(*conf)
	cfg = config.MergeEnv(cfg)
	if *dsn != "" {
		cfg.DSN = *dsn
	}
	if *dir != "" {
		cfg.Dir = *dir
	}
	cfg.JSON = *jsonOut
	if *lockKey != 0 {
		cfg.LockKey = *lockKey
	}
	if *lockTimeout > 0 {
		cfg.LockTimeoutSec = *lockTimeout
	}
	if *table != "" {
		cfg.ChangelogTable = *table
	}
	if *executedBy != "" {
		cfg.ExecutedBy = *executedBy
	}
	if cfg.ExecutedBy == "" {
		cfg.ExecutedBy = defaultPrincipal()
	}

	log := logger.New(cfg.JSON, cfg.LogLevel)

	if cmd == "create" {
		if err := createFiles(cfg.Dir, os.Args[2], *repeatable); err != nil {
			log.WithError(err).Error("create failed")
			return exitFail
		}
		log.WithFields(logrus.Fields{"dir": cfg.Dir, "name": os.Args[2]}).Info("created migration files")
		return exitOK
	}

	if cfg.DSN == "" {
		fmt.Fprintln(os.Stderr, "--dsn or DB_DSN is required")
		return exitUsage
	}
	database, err := db.OpenMySQL(cfg.DSN)
	if err != nil {
		log.WithError(err).Error("db open failed")
		return exitFail
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tables := db.Tables{
		Changelog:       cfg.ChangelogTable,
		RollbackScripts: cfg.RollbackScriptsTable,
		RollbackHistory: cfg.RollbackHistoryTable,
		LockHolder:      cfg.LockHolderTable,
	}
	if err := db.EnsureSchema(ctx, database, tables); err != nil {
		log.WithError(err).Error("ensure schema failed")
		return exitFail
	}

	store := changelog.NewStore(database, cfg.ChangelogTable)
	guard := lock.NewManager(database, lock.Config{Key: cfg.LockKey, DefaultTimeout: cfg.LockTimeout()}, cfg.ExecutedBy, cfg.LockHolderTable)
	schema := &db.TxExecutor{DB: database}
	exec := executor.New(schema, store, log, cfg.ExecutedBy)
	batch := runner.New(exec, guard, log)
	rb := rollback.NewManager(database, store, schema, log, cfg.ExecutedBy, cfg.RollbackScriptsTable, cfg.RollbackHistoryTable)

	switch cmd {
	case "up":
		set, err := source.ScanDir(cfg.Dir)
		if err != nil {
			log.WithError(err).Error("scan failed")
			return exitUsage
		}
		for version, script := range set.Undo {
			if err := rb.Register(ctx, version, script); err != nil {
				log.WithError(err).WithField("version", version).Error("undo script registration failed")
				return exitFail
			}
		}
		sum, err := batch.RunAll(ctx, set.Versioned, set.Repeatable, true, true)
		if err != nil {
			switch {
			case errors.Is(err, executor.ErrChecksumMismatch):
				log.WithError(err).Error("drift detected")
				return exitDrift
			case errors.Is(err, lock.ErrTimeout):
				log.WithError(err).Error("could not acquire migration lock")
				return exitLocked
			}
			log.WithError(err).Error("up failed")
			return exitFail
		}
		log.WithFields(logrus.Fields{"applied": sum.Applied, "skipped": sum.Skipped}).Info("up complete")
		return exitOK

	case "status":
		return statusCmd(ctx, cfg.Dir, store, log)

	case "history":
		entries, err := store.History(ctx, *limit, *includeFailed)
		if err != nil {
			log.WithError(err).Error("history failed")
			return exitFail
		}
		for _, e := range entries {
			log.WithFields(logrus.Fields{
				"id": e.ID, "version": e.Version, "kind": e.Kind, "success": e.Success,
				"executed_at": e.ExecutedAt.UTC().Format(time.RFC3339),
				"executed_by": e.ExecutedBy,
				"duration":    durationDisplay(e.ExecutionMS),
				"checksum":    checksum.Prefix(e.Checksum, 12),
			}).Info("history")
		}
		return exitOK

	case "pending":
		set, err := source.ScanDir(cfg.Dir)
		if err != nil {
			log.WithError(err).Error("scan failed")
			return exitUsage
		}
		pending, err := store.Pending(ctx, set.Versions())
		if err != nil {
			log.WithError(err).Error("pending failed")
			return exitFail
		}
		for _, v := range pending {
			fmt.Println(v)
		}
		log.WithField("count", len(pending)).Info("pending versions")
		return exitOK

	case "version":
		v, err := store.CurrentVersion(ctx)
		if err != nil {
			log.WithError(err).Error("version failed")
			return exitFail
		}
		fmt.Println(v)
		return exitOK

	case "is-applied":
		applied, err := store.IsVersionApplied(ctx, os.Args[2])
		if err != nil {
			log.WithError(err).Error("is-applied failed")
			return exitFail
		}
		fmt.Println(applied)
		return exitOK

	case "lock":
		ok, err := guard.TryAcquire(ctx)
		if err != nil {
			log.WithError(err).Error("lock failed")
			return exitFail
		}
		if !ok {
			log.Warn("lock is held by another session")
			return exitLocked
		}
		log.WithField("name", guard.Name()).Info("lock acquired")
		return exitOK

	case "lock-wait":
		sec, err := strconv.Atoi(os.Args[2])
		if err != nil || sec <= 0 {
			fmt.Fprintln(os.Stderr, "lock-wait requires a positive timeout in seconds")
			return exitUsage
		}
		if err := guard.AcquireWait(ctx, time.Duration(sec)*time.Second); err != nil {
			if errors.Is(err, lock.ErrTimeout) {
				log.WithError(err).Warn("lock wait timed out")
				return exitLocked
			}
			log.WithError(err).Error("lock-wait failed")
			return exitFail
		}
		log.WithField("name", guard.Name()).Info("lock acquired")
		return exitOK

	case "unlock":
		released, err := guard.Release(ctx)
		if err != nil {
			log.WithError(err).Error("unlock failed")
			return exitFail
		}
		if !released {
			log.Warn("lock was not held by this session")
		}
		return exitOK

	case "lock-status":
		locked, err := guard.Locked(ctx)
		if err != nil {
			log.WithError(err).Error("lock-status failed")
			return exitFail
		}
		fields := logrus.Fields{"locked": locked}
		if holder, err := guard.Holder(ctx); err == nil && holder != nil {
			fields["process_id"] = holder.ProcessID
			fields["principal"] = holder.Principal
			fields["connected_at"] = holder.ConnectedAt.UTC().Format(time.RFC3339)
		}
		log.WithFields(fields).Info("lock status")
		return exitOK

	case "baseline":
		if *desc == "" {
			*desc = "baseline"
		}
		id, err := store.SetBaseline(ctx, os.Args[2], *desc, cfg.ExecutedBy)
		if err != nil {
			if errors.Is(err, changelog.ErrBaselineConflict) {
				log.WithError(err).Error("baseline conflict")
				return exitUsage
			}
			log.WithError(err).Error("baseline failed")
			return exitFail
		}
		log.WithFields(logrus.Fields{"id": id, "version": os.Args[2]}).Info("baseline recorded")
		return exitOK

	case "register-rollback":
		version, path := os.Args[2], os.Args[3]
		script, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).Error("read script failed")
			return exitUsage
		}
		if err := rb.Register(ctx, version, string(script)); err != nil {
			log.WithError(err).Error("register-rollback failed")
			return exitFail
		}
		log.WithField("version", version).Info("rollback script registered")
		return exitOK

	case "rollback":
		if err := rb.Rollback(ctx, os.Args[2]); err != nil {
			return rollbackExit(err, log)
		}
		log.WithField("version", os.Args[2]).Info("rollback complete")
		return exitOK

	case "rollback-to":
		n, err := rb.RollbackTo(ctx, os.Args[2])
		if err != nil {
			return rollbackExit(err, log)
		}
		log.WithFields(logrus.Fields{"target": os.Args[2], "reversed": n}).Info("rollback-to complete")
		return exitOK

	case "rollback-candidates":
		candidates, err := rb.ListCandidates(ctx)
		if err != nil {
			log.WithError(err).Error("rollback-candidates failed")
			return exitFail
		}
		for _, c := range candidates {
			log.WithFields(logrus.Fields{
				"version":           c.Entry.Version,
				"description":       c.Entry.Description,
				"executed_at":       c.Entry.ExecutedAt.UTC().Format(time.RFC3339),
				"script_registered": c.ScriptRegistered,
			}).Info("candidate")
		}
		return exitOK

	case "clear-failed":
		n, err := store.ClearFailed(ctx)
		if err != nil {
			log.WithError(err).Error("clear-failed failed")
			return exitFail
		}
		log.WithField("purged", n).Info("failed attempts purged")
		return exitOK

	case "execute":
		// single-unit escape hatch: execute --file <path> as a versioned unit
		if *file == "" {
			fmt.Fprintln(os.Stderr, "execute requires --file")
			return exitUsage
		}
		u, err := unitFromFile(*file)
		if err != nil {
			log.WithError(err).Error("read unit failed")
			return exitUsage
		}
		if err := guard.AcquireWait(ctx, 0); err != nil {
			log.WithError(err).Error("could not acquire migration lock")
			return exitLocked
		}
		defer func() { _, _ = guard.Release(ctx) }()
		res, err := exec.Execute(ctx, u, !*noValidate)
		if err != nil {
			if errors.Is(err, executor.ErrChecksumMismatch) {
				log.WithError(err).Error("drift detected")
				return exitDrift
			}
			log.WithError(err).Error("execute failed")
			return exitFail
		}
		log.WithFields(logrus.Fields{"state": res.State, "duration_ms": res.Duration.Milliseconds()}).Info("execute complete")
		return exitOK

	default:
		usage()
		return exitUsage
	}
}

func statusCmd(ctx context.Context, dir string, store *changelog.Store, log *logrus.Logger) int {
	set, err := source.ScanDir(dir)
	if err != nil {
		log.WithError(err).Error("scan failed")
		return exitUsage
	}
	entries, err := store.History(ctx, 0, true)
	if err != nil {
		log.WithError(err).Error("history failed")
		return exitFail
	}
	latest := latestByVersion(entries)
	show := func(key string, u executor.Unit) {
		state := "pending"
		fields := logrus.Fields{
			"version":     u.Version,
			"description": u.Description,
			"kind":        u.Kind,
			"checksum":    checksum.Prefix(checksum.Fingerprint(u.Content), 12),
		}
		if e, ok := latest[key]; ok {
			state = "applied"
			if !e.Success {
				state = "failed"
			} else if u.Kind == changelog.KindRepeatable && e.Checksum != checksum.Fingerprint(u.Content) {
				state = "outdated"
			}
			fields["executed_at"] = e.ExecutedAt.UTC().Format(time.RFC3339)
			fields["duration"] = durationDisplay(e.ExecutionMS)
		}
		fields["state"] = state
		log.WithFields(fields).Info("status")
	}
	for _, u := range set.Versioned {
		show(u.Version, u)
	}
	for _, u := range set.Repeatable {
		show(u.Filename, u)
	}
	return exitOK
}

// latestByVersion picks the row to display per version: the newest successful
// one, or the newest row of any outcome when no attempt ever succeeded. A
// version with an old success and a newer failed re-run is still applied.
func latestByVersion(entries []changelog.Entry) map[string]changelog.Entry {
	latest := map[string]changelog.Entry{}
	for _, e := range entries { // newest first
		prev, ok := latest[e.Version]
		if !ok || (!prev.Success && e.Success) {
			latest[e.Version] = e
		}
	}
	return latest
}

func rollbackExit(err error, log *logrus.Logger) int {
	switch {
	case errors.Is(err, rollback.ErrVersionNotFound), errors.Is(err, rollback.ErrScriptMissing):
		log.WithError(err).Error("rollback rejected")
		return exitUsage
	default:
		log.WithError(err).Error("rollback failed")
		return exitFail
	}
}

func unitFromFile(file string) (executor.Unit, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return executor.Unit{}, err
	}
	name := filepath.Base(file)
	if strings.HasPrefix(name, "R__") {
		return executor.Unit{
			Description: strings.TrimSuffix(strings.TrimPrefix(name, "R__"), ".sql"),
			Kind:        changelog.KindRepeatable,
			Filename:    name,
			Content:     string(b),
		}, nil
	}
	version := strings.TrimSuffix(name, ".sql")
	if m := strings.SplitN(strings.TrimPrefix(version, "V"), "__", 2); len(m) == 2 {
		version = m[0]
	}
	return executor.Unit{
		Version:     version,
		Description: name,
		Kind:        changelog.KindVersioned,
		Filename:    name,
		Content:     string(b),
	}, nil
}

func durationDisplay(ms sql.NullInt64) string {
	if !ms.Valid {
		return "-"
	}
	return (time.Duration(ms.Int64) * time.Millisecond).String()
}

func defaultPrincipal() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		if u := os.Getenv("USER"); u != "" {
			return u + "@" + h
		}
		return h
	}
	return "unknown"
}

func createFiles(dir, name string, repeatable bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name = sanitize(name)
	if repeatable {
		return os.WriteFile(filepath.Join(dir, "R__"+name+".sql"), []byte("-- repeatable migration\n"), 0o644)
	}
	version := time.Now().UTC().Format("20060102150405")
	up := filepath.Join(dir, "V"+version+"__"+name+".sql")
	undo := filepath.Join(dir, "U"+version+"__"+name+".sql")
	if err := os.WriteFile(up, []byte("-- write your migration here\n"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(undo, []byte("-- write the reversal here\n"), 0o644)
}

func sanitize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

func usage() {
	fmt.Println(`schemaguard - locked, drift-checked schema migrations for MySQL

USAGE:
  schemaguard <command> [args] [--flags]

COMMANDS:
  up                               Apply pending versioned then repeatable migrations
  status                           Show the state of every discovered migration
  history [--limit n] [--all]      Show the changelog, newest first
  pending                          List discovered versions not yet applied
  version                          Print the current schema version
  is-applied <version>             Print whether a version is applied
  execute --file <path>            Apply a single file as a versioned unit
  lock | lock-wait <sec> | unlock  Manage the migration lock
  lock-status                      Show lock state and holder
  baseline <version> [--desc s]    Record a baseline marker (empty history only)
  register-rollback <ver> <file>   Register/overwrite a reversal script
  rollback <version>               Reverse one applied versioned migration
  rollback-to <version>            Reverse everything above a version, newest first
  rollback-candidates              List applied versions and script availability
  clear-failed                     Purge failed changelog rows
  create <name> [--repeatable]     Scaffold V<ts>__name.sql + U<ts>__name.sql

GLOBAL FLAGS:
  --dsn <dsn>          Database DSN (or DB_DSN)
  --dir <path>         Migrations directory (default ./migrations)
  --json               JSON logs
  --config <path>      Optional YAML config path
  --lock-key <n>       Advisory lock key (or LOCK_KEY)
  --lock-timeout <sec> Lock wait timeout (default 30)
  --table <name>       Changelog table (default schema_changelog)
  --executed-by <name> Override the recorded principal
  --no-validate        Skip checksum validation on execute

EXAMPLES:
  schemaguard up --dsn "$DSN" --dir ./migrations
  schemaguard status --dsn "$DSN" --dir ./migrations --json
  schemaguard rollback-to 0042 --dsn "$DSN"
  schemaguard create add_user_table --dir ./migrations`)
}
