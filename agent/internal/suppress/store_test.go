package suppress

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

// --- FileStore ---

func TestFileStore_AbsentBeforeFirstPut(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	_, ok, err := s.Get(context.Background(), "heartbeat")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected no record before first Put")
	}
}

func TestFileStore_PutGet(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s := NewFileStore(path)

	if err := s.Put(ctx, Record{ConditionID: "heartbeat", LastNotifiedAt: t0}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, Record{ConditionID: "p99", LastNotifiedAt: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec, ok, err := s.Get(ctx, "heartbeat")
	if err != nil || !ok {
		t.Fatalf("Get heartbeat: ok=%v err=%v", ok, err)
	}
	if !rec.LastNotifiedAt.Equal(t0) {
		t.Errorf("heartbeat: got %v, want %v", rec.LastNotifiedAt, t0)
	}
	rec, ok, _ = s.Get(ctx, "p99")
	if !ok || !rec.LastNotifiedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("p99: got %v ok=%v", rec.LastNotifiedAt, ok)
	}
}

func TestFileStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	if err := NewFileStore(path).Put(ctx, Record{ConditionID: "heartbeat:source_down", LastNotifiedAt: t0}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec, ok, err := NewFileStore(path).Get(ctx, "heartbeat:source_down")
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if !rec.LastNotifiedAt.Equal(t0) {
		t.Errorf("got %v, want %v", rec.LastNotifiedAt, t0)
	}
}

func TestFileStore_StreakSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	rec := Record{ConditionID: "heartbeat:source_streak", LastNotifiedAt: t0, Streak: 2}
	if err := NewFileStore(path).Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := NewFileStore(path).Get(ctx, rec.ConditionID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Streak != 2 {
		t.Errorf("streak: got %d, want 2", got.Streak)
	}
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(filepath.Join(dir, "state.json"))
	for i := 0; i < 3; i++ {
		if err := s.Put(context.Background(), Record{ConditionID: "x", LastNotifiedAt: t0}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir entries: got %v, want only state.json", names)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewFileStore(path)

	if _, _, err := s.Get(ctx, "x"); !errors.Is(err, ErrStateStore) {
		t.Errorf("Get: got %v, want ErrStateStore", err)
	}
	if err := s.Put(ctx, Record{ConditionID: "x", LastNotifiedAt: t0}); !errors.Is(err, ErrStateStore) {
		t.Errorf("Put: got %v, want ErrStateStore", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "{not json" {
		t.Errorf("corrupt file was overwritten: %q", data)
	}
}

// --- MemStore ---

func TestMemStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Error("expected absent")
	}
	_ = s.Put(ctx, Record{ConditionID: "a", LastNotifiedAt: t0})
	if rec, ok, _ := s.Get(ctx, "a"); !ok || !rec.LastNotifiedAt.Equal(t0) {
		t.Errorf("got %v ok=%v", rec, ok)
	}

	s.PutErr = errors.New("disk full")
	if err := s.Put(ctx, Record{ConditionID: "a"}); !errors.Is(err, ErrStateStore) {
		t.Errorf("Put with PutErr: got %v", err)
	}
	if s.Count() != 1 {
		t.Errorf("Count: got %d, want 1", s.Count())
	}
}

// --- PostgresStore ---

type fakeRow struct {
	at     time.Time
	streak int
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*time.Time)) = r.at
	*(dest[1].(*int)) = r.streak
	return nil
}

type fakeDB struct {
	execs   []string
	args    [][]any
	execErr error
	row     fakeRow
	closed  bool
}

func (d *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	d.execs = append(d.execs, sql)
	d.args = append(d.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), d.execErr
}

func (d *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return d.row }

func (d *fakeDB) Close() { d.closed = true }

func TestPostgresStore_CreatesTable(t *testing.T) {
	db := &fakeDB{}
	if _, err := newPostgresStore(context.Background(), db); err != nil {
		t.Fatalf("newPostgresStore: %v", err)
	}
	if len(db.execs) != 2 || db.execs[0] != createTable || db.execs[1] != addStreakColumn {
		t.Errorf("execs: got %v", db.execs)
	}
}

func TestPostgresStore_CreateTableFails(t *testing.T) {
	db := &fakeDB{execErr: errors.New("permission denied")}
	_, err := newPostgresStore(context.Background(), db)
	if !errors.Is(err, ErrStateStore) {
		t.Errorf("got %v, want ErrStateStore", err)
	}
	if !db.closed {
		t.Error("pool should be closed on setup failure")
	}
}

func TestPostgresStore_Get(t *testing.T) {
	tests := []struct {
		name    string
		row     fakeRow
		wantOK  bool
		wantErr bool
	}{
		{"found", fakeRow{at: t0, streak: 2}, true, false},
		{"no rows", fakeRow{err: pgx.ErrNoRows}, false, false},
		{"query error", fakeRow{err: errors.New("connection reset")}, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := &PostgresStore{db: &fakeDB{row: tc.row}}
			rec, ok, err := s.Get(context.Background(), "p99")
			if ok != tc.wantOK {
				t.Errorf("ok: got %v, want %v", ok, tc.wantOK)
			}
			if tc.wantErr != (err != nil) {
				t.Fatalf("err: got %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr && !errors.Is(err, ErrStateStore) {
				t.Errorf("error should wrap ErrStateStore: %v", err)
			}
			if tc.wantOK && (rec.ConditionID != "p99" || !rec.LastNotifiedAt.Equal(t0) || rec.Streak != 2) {
				t.Errorf("record: got %+v", rec)
			}
		})
	}
}

func TestPostgresStore_Put(t *testing.T) {
	db := &fakeDB{}
	s := &PostgresStore{db: db}
	if err := s.Put(context.Background(), Record{ConditionID: "p99", LastNotifiedAt: t0, Streak: 4}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(db.execs) != 1 || db.execs[0] != upsertRecord {
		t.Fatalf("execs: got %v", db.execs)
	}
	if db.args[0][0] != "p99" {
		t.Errorf("arg 0: got %v", db.args[0][0])
	}
	if db.args[0][2] != 4 {
		t.Errorf("streak arg: got %v", db.args[0][2])
	}

	db.execErr = errors.New("read-only transaction")
	if err := s.Put(context.Background(), Record{ConditionID: "p99", LastNotifiedAt: t0}); !errors.Is(err, ErrStateStore) {
		t.Errorf("Put error: got %v, want ErrStateStore", err)
	}
}

// --- KVStore ---

type fakeBucket struct {
	data   map[string][]byte
	getErr error
}

func (b *fakeBucket) get(_ context.Context, key string) ([]byte, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}
	v, ok := b.data[key]
	if !ok {
		return nil, errKeyAbsent
	}
	return v, nil
}

func (b *fakeBucket) put(_ context.Context, key string, value []byte) error {
	b.data[key] = value
	return nil
}

func TestKVStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := &KVStore{bucket: &fakeBucket{data: map[string][]byte{}}}

	if _, ok, err := s.Get(ctx, "heartbeat:source_down"); ok || err != nil {
		t.Fatalf("Get before Put: ok=%v err=%v", ok, err)
	}
	if err := s.Put(ctx, Record{ConditionID: "heartbeat:source_down", LastNotifiedAt: t0}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, ok, err := s.Get(ctx, "heartbeat:source_down")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !rec.LastNotifiedAt.Equal(t0) {
		t.Errorf("got %v, want %v", rec.LastNotifiedAt, t0)
	}
}

func TestKVStore_GetError(t *testing.T) {
	s := &KVStore{bucket: &fakeBucket{getErr: errors.New("no responders")}}
	if _, _, err := s.Get(context.Background(), "x"); !errors.Is(err, ErrStateStore) {
		t.Errorf("got %v, want ErrStateStore", err)
	}
}

func TestKVKey_LegalAndDistinct(t *testing.T) {
	legal := regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)
	ids := []string{"heartbeat", "heartbeat:source_down", "heartbeat_source_down", "p99 latency"}
	seen := map[string]string{}
	for _, id := range ids {
		k := kvKey(id)
		if !legal.MatchString(k) {
			t.Errorf("kvKey(%q) = %q contains illegal characters", id, k)
		}
		if prev, dup := seen[k]; dup {
			t.Errorf("kvKey collision: %q and %q -> %q", prev, id, k)
		}
		seen[k] = id
	}
}
