package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/halcyon-health/halcyon/pkg/store"
	"github.com/halcyon-health/halcyon/pkg/store/postgres"
	"github.com/halcyon-health/halcyon/pkg/types"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if HALCYON_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("HALCYON_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HALCYON_TEST_POSTGRES_DSN not set - skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	st, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	return pool
}

func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	const drop = `
		DROP TABLE IF EXISTS citations, messages, sessions,
			tool_calls, audit_events, kb_chunks CASCADE`
	if _, err := pool.Exec(ctx, drop); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
}

func testSession() store.Session {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return store.Session{
		ID:              uuid.NewString(),
		UserID:          "clinician-42",
		ClinicalContext: "67yo male, afib, on warfarin",
		Preferences: store.Preferences{
			PreferredSources: []string{"guidelines"},
			Language:         "en-US",
		},
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := testSession()

	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != sess.UserID || got.ClinicalContext != sess.ClinicalContext {
		t.Errorf("got %+v, want %+v", got, sess)
	}
	if len(got.Preferences.PreferredSources) != 1 || got.Preferences.PreferredSources[0] != "guidelines" {
		t.Errorf("preferences not round-tripped: %+v", got.Preferences)
	}

	got.ClinicalContext = "updated context"
	got.LastActivityAt = time.Now().UTC().Truncate(time.Microsecond)
	if err := st.UpdateSession(ctx, got); err != nil {
		t.Fatal(err)
	}
	again, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.ClinicalContext != "updated context" {
		t.Errorf("ClinicalContext = %q", again.ClinicalContext)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetSession(context.Background(), uuid.NewString())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMessagesAndCitations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := testSession()
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 15; i++ {
		msg := types.Message{
			ID:        uuid.NewString(),
			Role:      "user",
			Content:   "question",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		var cites []types.Citation
		if i == 14 {
			msg.Role = "assistant"
			cites = []types.Citation{
				{Index: 1, SourceKind: "guidelines", Title: "CHEST 2021", URL: "kb://chest-2021"},
			}
		}
		if err := st.AppendMessage(ctx, sess.ID, msg, cites); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := st.RecentMessages(ctx, sess.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 10 {
		t.Fatalf("len = %d, want 10", len(msgs))
	}
	// Chronological order, ending with the newest message.
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatal("messages not chronological")
		}
	}
	if msgs[len(msgs)-1].Role != "assistant" {
		t.Errorf("last role = %q, want assistant", msgs[len(msgs)-1].Role)
	}
}

func TestSaveToolCall_Upsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := store.ToolCallRecord{
		ID:        uuid.NewString(),
		SessionID: uuid.NewString(),
		UserID:    "clinician-42",
		Name:      "create_calendar_event",
		Arguments: `{"title":"follow-up"}`,
		State:     "failed",
		ErrorKind: "TIMEOUT",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		Duration:  2 * time.Second,
	}
	if err := st.SaveToolCall(ctx, rec); err != nil {
		t.Fatal(err)
	}

	rec.State = "completed"
	rec.Success = true
	rec.ErrorKind = ""
	rec.Result = `{"event_id":"ev-1"}`
	if err := st.SaveToolCall(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestAppendAuditRecords(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	recs := []store.AuditRecord{
		{
			ID:        uuid.NewString(),
			Timestamp: time.Now().UTC(),
			UserHash:  "ab12",
			Action:    "query.completed",
			Outcome:   "success",
		},
		{
			ID:          uuid.NewString(),
			Timestamp:   time.Now().UTC(),
			UserHash:    "ab12",
			Action:      "tool.executed",
			Outcome:     "failure",
			PHIInvolved: true,
			Detail:      `{"tool":"patient_summary"}`,
		},
	}
	if err := st.AppendAuditRecords(ctx, recs); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendAuditRecords(ctx, nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}

func TestKnowledgeBase(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	chunks := []store.Chunk{
		{ID: "c1", Title: "Heparin nomogram", Content: "weight-based dosing",
			Embedding: []float32{1, 0, 0, 0}, UpdatedAt: time.Now().UTC()},
		{ID: "c2", Title: "DOAC selection", Content: "apixaban vs rivaroxaban",
			Embedding: []float32{0, 1, 0, 0}, UpdatedAt: time.Now().UTC()},
	}
	for _, c := range chunks {
		if err := st.IndexChunk(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	results, err := st.SearchChunks(ctx, []float32{0.9, 0.1, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("len = %d, want 2", len(results))
	}
	if results[0].ID != "c1" {
		t.Errorf("closest = %q, want c1", results[0].ID)
	}
	if results[0].Distance > results[1].Distance {
		t.Error("results not ordered by distance")
	}

	// Upsert replaces content.
	chunks[0].Content = "updated"
	if err := st.IndexChunk(ctx, chunks[0]); err != nil {
		t.Fatal(err)
	}
}
