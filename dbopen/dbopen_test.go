package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/procura/dbopen"
)

func TestOpenMemory_Pragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatal(err)
	}
	if busyTimeout != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", busyTimeout)
	}
}

func TestOpenTemp_EveryConnectionGetsPragmas(t *testing.T) {
	db := dbopen.OpenTemp(t, dbopen.WithBusyTimeout(4321))
	db.SetMaxOpenConns(4)

	// Hold two connections at once so the second one is a fresh pool member.
	tx1, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx1.Rollback()

	var bt int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&bt); err != nil {
		t.Fatal(err)
	}
	if bt != 4321 {
		t.Fatalf("busy_timeout on second connection = %d, want 4321", bt)
	}
}

func TestWithSchema(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE t (id INTEGER PRIMARY KEY)`))
	if _, err := db.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

func TestDSN(t *testing.T) {
	dsn := dbopen.DSN("data/procura.db", dbopen.WithTxLock("exclusive"))
	if !strings.HasPrefix(dsn, "file:data/procura.db?") {
		t.Fatalf("dsn prefix: %q", dsn)
	}
	if !strings.Contains(dsn, "_txlock=exclusive") {
		t.Fatalf("dsn missing txlock: %q", dsn)
	}
}

func TestRunTx_RollsBackOnError(t *testing.T) {
	// WHAT: an error from fn rolls the transaction back.
	// WHY: pipeline failure paths rely on RunTx leaving no partial writes.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE t (id INTEGER PRIMARY KEY)`))
	ctx := context.Background()

	errBoom := errors.New("boom")
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("error: got %v", err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n)
	if n != 0 {
		t.Fatalf("rows after rollback: got %d, want 0", n)
	}
}

func TestRunTx_RetriesWhileLocked(t *testing.T) {
	// WHAT: RunTx starts again when BEGIN finds the write lock held.
	// WHY: two connector batches committing at once must both land.
	db := dbopen.OpenTemp(t, dbopen.WithBusyTimeout(1), dbopen.WithSchema(`CREATE TABLE t (id INTEGER PRIMARY KEY)`))
	db.SetMaxOpenConns(2)
	ctx := context.Background()

	holder, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := holder.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
		t.Fatal(err)
	}
	released := make(chan struct{})
	go func() {
		time.Sleep(150 * time.Millisecond)
		holder.Commit()
		close(released)
	}()

	calls := 0
	err = dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		calls++
		_, err := tx.Exec(`INSERT INTO t (id) VALUES (2)`)
		return err
	})
	<-released
	if err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n)
	if n != 2 {
		t.Fatalf("rows: got %d, want 2", n)
	}
	if calls != 1 {
		t.Fatalf("fn calls: got %d, want 1 (BEGIN failed before fn)", calls)
	}
}

func TestIsBusy(t *testing.T) {
	if !dbopen.IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Fatal("locked error not detected")
	}
	if dbopen.IsBusy(errors.New("no such table")) {
		t.Fatal("false positive")
	}
	if dbopen.IsBusy(nil) {
		t.Fatal("nil is not busy")
	}
}
