package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"

	"github.com/katasec/dstream-anonymizer/internal/db"
	"github.com/katasec/dstream-anonymizer/internal/engine"
	"github.com/katasec/dstream-anonymizer/pkg/types"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Connect(ctx, db.DriverSQLite, filepath.Join(t.TempDir(), "customers.db"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := EnsureSchema(ctx, conn); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return conn
}

func testCustomer(i int, createdAt time.Time) types.CustomerRecord {
	return types.CustomerRecord{
		FirstName: fmt.Sprintf("First%d", i),
		LastName:  fmt.Sprintf("Last%d", i),
		Email:     fmt.Sprintf("user%d@example.com", i),
		Address:   types.Address{Line1: "1 Road", Postcode: "N1", City: "London", Country: "UK"},
		CreatedAt: createdAt,
	}
}

func TestChangeLogTriggers(t *testing.T) {
	trigs := ChangeLogTriggers()
	if len(trigs) != 2 {
		t.Fatalf("expected 2 triggers, got %d", len(trigs))
	}
	if !strings.Contains(trigs[0], "CREATE TRIGGER IF NOT EXISTS customers_ai AFTER INSERT ON customers") {
		t.Fatalf("unexpected insert trigger: %s", trigs[0])
	}
	if !strings.Contains(trigs[1], "'update'") {
		t.Fatalf("update trigger missing op: %s", trigs[1])
	}
	if !strings.Contains(trigs[0], "'created_at', NEW.created_at") {
		t.Fatalf("payload missing created_at: %s", trigs[0])
	}
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	conn := openTestDB(t)
	if err := EnsureSchema(context.Background(), conn); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}
}

func TestScanCreatedBetweenPagesInOrder(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)

	var recs []types.CustomerRecord
	for i := 0; i < 1200; i++ {
		// pairs share a timestamp so paging must break ties on id
		recs = append(recs, testCustomer(i, base.Add(time.Duration(i/2)*time.Second)))
	}
	if _, err := InsertCustomers(ctx, conn, recs); err != nil {
		t.Fatalf("InsertCustomers: %v", err)
	}

	from := base.Add(10 * time.Second)
	to := base.Add(550 * time.Second)
	var got []types.CustomerRecord
	err := NewCustomers(conn, hclog.NewNullLogger()).ScanCreatedBetween(ctx, from, to, func(r types.CustomerRecord) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanCreatedBetween: %v", err)
	}

	// seconds 10..550 inclusive, two records each
	if len(got) != 1082 {
		t.Fatalf("scanned %d records, want 1082", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if cur.CreatedAt.Before(prev.CreatedAt) || (cur.CreatedAt.Equal(prev.CreatedAt) && cur.ID <= prev.ID) {
			t.Fatalf("record %d out of order: %v/%d after %v/%d", i, cur.CreatedAt, cur.ID, prev.CreatedAt, prev.ID)
		}
	}
	if !got[0].CreatedAt.Equal(from) || !got[len(got)-1].CreatedAt.Equal(to) {
		t.Fatalf("bounds not inclusive: first %v last %v", got[0].CreatedAt, got[len(got)-1].CreatedAt)
	}
}

func TestAnonymisedCustomers(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	target := NewAnonymisedCustomers(conn)

	docs := make([]types.AnonymizedCustomer, 250)
	for i := range docs {
		docs[i] = types.AnonymizedCustomer{FirstName: "a", LastName: "b", Email: "c@d"}
	}
	if err := target.InsertMany(ctx, docs); err != nil {
		t.Fatalf("InsertMany: %v", err)
	}
	if err := target.InsertOne(ctx, types.AnonymizedCustomer{FirstName: "x", CreatedAt: base}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	var stamped int
	if err := conn.GetContext(ctx, &stamped, "SELECT COUNT(*) FROM "+AnonymisedTable+" WHERE created_at > ?", toNanos(base)); err != nil {
		t.Fatalf("count: %v", err)
	}
	if stamped != 250 {
		t.Fatalf("%d rows stamped with insert time, want 250", stamped)
	}

	n, err := target.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if n != 251 {
		t.Fatalf("deleted %d rows, want 251", n)
	}
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	cp := NewCheckpoints(openTestDB(t))

	got, err := cp.Read(ctx)
	if err != nil || !got.Equal(engine.EpochStart) {
		t.Fatalf("Read on empty store = %v, %v; want epoch", got, err)
	}

	t1 := base.Add(time.Second + 123*time.Nanosecond)
	if ok, err := cp.CompareAndWrite(ctx, engine.EpochStart, t1); err != nil || !ok {
		t.Fatalf("CompareAndWrite from epoch = %v, %v", ok, err)
	}
	if ok, err := cp.CompareAndWrite(ctx, engine.EpochStart, base.Add(time.Hour)); err != nil || ok {
		t.Fatalf("stale CompareAndWrite succeeded: %v, %v", ok, err)
	}
	if got, _ := cp.Read(ctx); !got.Equal(t1) {
		t.Fatalf("Read = %v, want %v", got, t1)
	}

	t2 := base.Add(time.Minute)
	if err := cp.Write(ctx, t2); err != nil {
		t.Fatalf("Write: %v", err)
	}
	t3 := base.Add(2 * time.Minute)
	if ok, err := cp.CompareAndWrite(ctx, t2, t3); err != nil || !ok {
		t.Fatalf("CompareAndWrite(t2, t3) = %v, %v", ok, err)
	}
	if got, _ := cp.Read(ctx); !got.Equal(t3) {
		t.Fatalf("Read = %v, want %v", got, t3)
	}
}

func TestFeedDeliversChangesAfterOpen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := openTestDB(t)

	if _, err := InsertCustomers(ctx, conn, []types.CustomerRecord{testCustomer(0, base)}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	feed := NewFeed(conn, FeedConfig{PollInterval: 5 * time.Millisecond, MaxPollInterval: 20 * time.Millisecond}, hclog.NewNullLogger())
	if err := feed.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ids, err := InsertCustomers(ctx, conn, []types.CustomerRecord{testCustomer(1, base.Add(time.Second)), testCustomer(2, base.Add(2*time.Second))})
	if err != nil {
		t.Fatalf("InsertCustomers: %v", err)
	}
	if _, err := conn.ExecContext(ctx, "UPDATE "+CustomersTable+" SET email = ? WHERE id = ?", "new@example.com", ids[0]); err != nil {
		t.Fatalf("update: %v", err)
	}

	out := make(chan types.ChangeEvent)
	done := make(chan error, 1)
	watchCtx, stop := context.WithCancel(ctx)
	go func() { done <- feed.Watch(watchCtx, out) }()

	var got []types.ChangeEvent
	for len(got) < 3 {
		select {
		case ev := <-out:
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatalf("received %d of 3 events", len(got))
		}
	}
	stop()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if got[0].Operation != types.Insert || got[0].Record.ID != ids[0] {
		t.Fatalf("first event = %+v", got[0])
	}
	if got[1].Operation != types.Insert || got[1].Record.ID != ids[1] {
		t.Fatalf("second event = %+v", got[1])
	}
	if got[2].Operation != types.Update || got[2].Record.Email != "new@example.com" {
		t.Fatalf("third event = %+v", got[2])
	}
	if !got[2].Record.CreatedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("update post-image createdAt = %v", got[2].Record.CreatedAt)
	}
}

func TestFeedStopsOnUndecodableEntry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := openTestDB(t)

	feed := NewFeed(conn, FeedConfig{PollInterval: 5 * time.Millisecond, MaxPollInterval: 20 * time.Millisecond}, hclog.NewNullLogger())
	if err := feed.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := conn.ExecContext(ctx, "INSERT INTO "+ChangeLogTable+" (op, customer_id, payload) VALUES ('insert', 7, 'not json')"); err != nil {
		t.Fatalf("insert bad entry: %v", err)
	}
	if _, err := InsertCustomers(ctx, conn, []types.CustomerRecord{testCustomer(1, base)}); err != nil {
		t.Fatalf("InsertCustomers: %v", err)
	}

	out := make(chan types.ChangeEvent, 4)
	err := feed.Watch(ctx, out)
	if err == nil || !strings.Contains(err.Error(), "change log entry") {
		t.Fatalf("Watch = %v, want a decode error", err)
	}
	if len(out) != 0 {
		t.Fatalf("delivered %d events past the bad entry", len(out))
	}
	if feed.lastSeq != 0 {
		t.Fatalf("lastSeq = %d, want the bad entry left unconsumed", feed.lastSeq)
	}
}
