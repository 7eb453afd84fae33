//go:build integration
// +build integration

package condition

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresStore starts a PostgreSQL container, applies the migration
// and seeds the shared fixture.
func setupPostgresStore(t *testing.T) *SQLStore {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "stagecondition_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=stagecondition_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	files, err := filepath.Glob(filepath.Join("..", "migrations", "*.up.sql"))
	if err != nil || len(files) == 0 {
		t.Fatalf("Failed to find migration files: %v", err)
	}
	sort.Strings(files)
	for _, file := range files {
		migrationSQL, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("Failed to read migration file %s: %v", file, err)
		}
		if _, err := db.Exec(string(migrationSQL)); err != nil {
			t.Fatalf("Failed to run migration %s: %v", file, err)
		}
	}

	store := NewSQLStore(db, DialectPostgres)
	seedSQL(t, store)
	return store
}

func TestPostgresStore_ReadsAndResolves(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	mustExec(t, s, `INSERT INTO stage_conditions (id, tenant_id, stage_id, name, rules_json, is_active, status, fallback_stage_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"c1", testTenant, "s1", "Gate", rulesDoc(`input.checklist.completionPercentage >= 100`), true, "Valid", "rework")

	cond, err := s.GetActiveConditionForStage(ctx, "s1", testTenant)
	if err != nil || cond == nil || cond.ID != "c1" {
		t.Fatalf("GetActiveConditionForStage() = %+v, %v", cond, err)
	}

	next, err := NewResolver(s).SequentialNext(ctx, "s1", testTenant)
	if err != nil || next != "s2" {
		t.Errorf("SequentialNext(s1) = %q, %v, want s2", next, err)
	}

	c, err := s.GetChecklist(ctx, testInstance, "s1")
	if err != nil || c.TotalCount != 2 || c.CompletedCount != 1 {
		t.Errorf("GetChecklist() = %+v, %v", c, err)
	}

	tenants, err := s.ListTenants(ctx)
	if err != nil || len(tenants) != 1 {
		t.Errorf("ListTenants() = %v, %v", tenants, err)
	}
}

func TestPostgresStore_InstanceLock(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithInstanceLock(ctx, testInstance, testTenant, time.Second, func(ctx context.Context, inst *Instance) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.WithInstanceLock(ctx, testInstance, testTenant, 100*time.Millisecond, func(context.Context, *Instance) error {
		t.Error("second holder should not run while the row is locked")
		return nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("contended lock error = %v, want ErrLockTimeout", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first holder failed: %v", err)
	}

	if err := s.WithInstanceLock(ctx, "missing", testTenant, time.Second, func(context.Context, *Instance) error { return nil }); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("missing instance error = %v, want ErrInstanceNotFound", err)
	}
}

func TestPostgresStore_ConcurrentEvaluations(t *testing.T) {
	s := setupPostgresStore(t)
	mustExec(t, s, `INSERT INTO stage_conditions (id, tenant_id, stage_id, name, rules_json, is_active, status) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"c1", testTenant, "s1", "Gate", rulesDoc(`input.fields.country == "CA"`), true, "Valid")

	counter := &overlapCounter{ComponentData: s}
	deps := Dependencies{Conditions: s, Stages: s, Data: counter, Instances: s}
	e := newTestEvaluator(t, deps)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := e.EvaluateConditionWithLock(context.Background(), testInstance, "s1")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if !r.IsConditionMet {
				t.Errorf("expected met, got %+v", r)
			}
		}()
	}
	wg.Wait()

	if counter.maxActive != 1 {
		t.Errorf("locked evaluations overlapped: max %d concurrent", counter.maxActive)
	}
}

func setupRedis(t *testing.T) *redis.Client {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to ping Redis: %v", err)
	}
	return client
}

func TestRedisLocker(t *testing.T) {
	client := setupRedis(t)
	store := seedStore(t)
	locker := NewRedisLocker(client, store, WithKeyPrefix("test"), WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- locker.WithInstanceLock(ctx, testInstance, testTenant, time.Second, func(ctx context.Context, inst *Instance) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := locker.WithInstanceLock(ctx, testInstance, testTenant, 50*time.Millisecond, func(context.Context, *Instance) error {
		t.Error("second holder should not run while the lease is held")
		return nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("contended lease error = %v, want ErrLockTimeout", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first holder failed: %v", err)
	}

	if n, err := client.Exists(ctx, locker.keyLease(testInstance, testTenant)).Result(); err != nil || n != 0 {
		t.Errorf("lease should be released, exists=%d err=%v", n, err)
	}

	if err := locker.WithInstanceLock(ctx, "missing", testTenant, time.Second, func(context.Context, *Instance) error { return nil }); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("missing instance error = %v, want ErrInstanceNotFound", err)
	}
}

func TestRedisLocker_LogsLostLease(t *testing.T) {
	client := setupRedis(t)
	store := seedStore(t)
	var buf bytes.Buffer
	locker := NewRedisLocker(client, store,
		WithKeyPrefix("lost"),
		WithLockLogger(slog.New(slog.NewTextHandler(&buf, nil))),
	)
	ctx := context.Background()

	err := locker.WithInstanceLock(ctx, testInstance, testTenant, time.Second, func(ctx context.Context, inst *Instance) error {
		// Simulate the lease lapsing and another holder taking it.
		return client.Set(ctx, locker.keyLease(testInstance, testTenant), "someone-else", time.Minute).Err()
	})
	if err != nil {
		t.Fatalf("WithInstanceLock() failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "instance lease release failed") {
		t.Errorf("expected a release warning, got %q", out)
	}
	if v, _ := client.Get(ctx, locker.keyLease(testInstance, testTenant)).Result(); v != "someone-else" {
		t.Errorf("release must not delete another holder's lease, got %q", v)
	}
}

func TestRedisLocker_Evaluator(t *testing.T) {
	client := setupRedis(t)
	store := seedStore(t)
	store.PutCondition(Condition{
		ID: "c1", StageID: "s1", TenantID: testTenant, IsActive: true, Status: StatusValid,
		RulesDocument: rulesDoc(`input.fields.country == "CA"`),
	})

	counter := &overlapCounter{ComponentData: store}
	deps := memoryDeps(store)
	deps.Data = counter
	deps.Instances = NewRedisLocker(client, store, WithPollInterval(2*time.Millisecond))
	e := newTestEvaluator(t, deps)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := e.EvaluateConditionWithLock(context.Background(), testInstance, "s1")
			if err != nil || !r.IsConditionMet {
				t.Errorf("unexpected result %+v, %v", r, err)
			}
		}()
	}
	wg.Wait()

	if counter.maxActive != 1 {
		t.Errorf("locked evaluations overlapped: max %d concurrent", counter.maxActive)
	}
}
