package replay

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/acarpe/sequent/pkg/eventsourcing/domain"
	"github.com/jackc/pgx/v5"
)

func TestCreateRecord_DefaultsUpdatedAtFromCreatedAt(t *testing.T) {
	s := New(nil)
	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := s.CreateRecord("InvoiceRecord", map[string]interface{}{
		"aggregate_id": "inv-1",
		"created_at":   createdAt,
	}, nil)

	if rec.Get("updated_at") != createdAt {
		t.Fatalf("expected updated_at to default to created_at, got %v", rec.Get("updated_at"))
	}
}

func TestCreateRecord_AssignsIDWhenMissing(t *testing.T) {
	s := New(nil)
	rec := s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1"}, nil)
	id, ok := rec.Get("id").(string)
	if !ok || len(id) != 36 {
		t.Fatalf("expected a generated uuid string id, got %v", rec.Get("id"))
	}

	other := s.CreateRecord("InvoiceRecord", map[string]interface{}{"id": "explicit-id", "aggregate_id": "inv-2"}, nil)
	if other.Get("id") != "explicit-id" {
		t.Fatalf("expected explicit id to be preserved, got %v", other.Get("id"))
	}
}

func TestColumnsFor_NeverIncludesID(t *testing.T) {
	s := New(nil)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1"}, nil)
	recs := make([]*Record, 0, 1)
	for rec := range s.store["InvoiceRecord"] {
		recs = append(recs, rec)
	}
	for _, col := range columnsFor(recs) {
		if col == "id" {
			t.Fatal("expected columnsFor to omit the id column")
		}
	}
}

func TestFindRecords_AggregateIDShortcut(t *testing.T) {
	s := New(nil)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1", "status": "draft"}, nil)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-2", "status": "draft"}, nil)

	matches := s.FindRecords("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-2"})
	if len(matches) != 1 || matches[0].Get("aggregate_id") != "inv-2" {
		t.Fatalf("expected single match for inv-2, got %v", matches)
	}
}

func TestFindRecords_CompositeIndexMatchesLinearScan(t *testing.T) {
	indices := IndexSpec{"InvoiceRecord": [][]string{{"recipient_id", "status"}}}
	s := New(indices)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1", "recipient_id": "cust-1", "status": "draft"}, nil)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-2", "recipient_id": "cust-1", "status": "paid"}, nil)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-3", "recipient_id": "cust-2", "status": "draft"}, nil)

	where := map[string]interface{}{"recipient_id": "cust-1", "status": "draft"}
	indexed := s.FindRecords("InvoiceRecord", where)
	if len(indexed) != 1 || indexed[0].Get("aggregate_id") != "inv-1" {
		t.Fatalf("expected composite index to find inv-1, got %v", indexed)
	}

	var scanned []*Record
	for rec := range s.store["InvoiceRecord"] {
		if recordMatches(rec, where) {
			scanned = append(scanned, rec)
		}
	}
	if len(scanned) != len(indexed) {
		t.Fatalf("index result (%d) diverges from linear scan (%d)", len(indexed), len(scanned))
	}
}

func TestFindRecords_SymbolComparesByStringForm(t *testing.T) {
	s := New(nil)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1", "status": domain.NewSymbol("draft")}, nil)

	matches := s.FindRecords("InvoiceRecord", map[string]interface{}{"status": "draft"})
	if len(matches) != 1 {
		t.Fatalf("expected symbol value to match plain string where-clause, got %v", matches)
	}
}

func TestFindRecords_ArrayWhereValueIsInSet(t *testing.T) {
	s := New(nil)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1", "status": "draft"}, nil)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-2", "status": "paid"}, nil)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-3", "status": "void"}, nil)

	matches := s.FindRecords("InvoiceRecord", map[string]interface{}{"status": []string{"draft", "paid"}})
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches for in-set query, got %d", len(matches))
	}
}

func TestUpdateRecord_StampsSequenceAndUpdatedAt(t *testing.T) {
	s := New(nil)
	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{
		"aggregate_id": "inv-1",
		"created_at":   createdAt,
		"status":       "draft",
	}, nil)

	occurredAt := createdAt.Add(time.Hour)
	event := domain.Envelope{AggregateID: "inv-1", SequenceNumber: 3, CreatedAt: occurredAt}
	err := s.UpdateRecord("InvoiceRecord", event, map[string]interface{}{"aggregate_id": "inv-1"}, UpdateOptions{}, func(rec *Record) {
		rec.Set("status", "paid")
	})
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}

	rec := s.FindRecords("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1"})[0]
	if rec.Get("status") != "paid" {
		t.Fatalf("expected status paid, got %v", rec.Get("status"))
	}
	if rec.Get("sequence_number") != 3 {
		t.Fatalf("expected sequence_number 3, got %v", rec.Get("sequence_number"))
	}
	if rec.Get("updated_at") != occurredAt {
		t.Fatalf("expected updated_at stamped from event, got %v", rec.Get("updated_at"))
	}
}

func TestUpdateRecord_SkipSequenceNumber(t *testing.T) {
	s := New(nil)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1", "sequence_number": 1}, nil)

	event := domain.Envelope{AggregateID: "inv-1", SequenceNumber: 9}
	err := s.UpdateRecord("InvoiceRecord", event, map[string]interface{}{"aggregate_id": "inv-1"}, UpdateOptions{SkipSequenceNumber: true}, nil)
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	rec := s.FindRecords("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1"})[0]
	if rec.Get("sequence_number") != 1 {
		t.Fatalf("expected sequence_number left untouched, got %v", rec.Get("sequence_number"))
	}
}

func TestUpdateRecord_NoMatchReturnsRecordNotFoundError(t *testing.T) {
	s := New(nil)
	event := domain.Envelope{AggregateID: "missing", SequenceNumber: 1}
	err := s.UpdateRecord("InvoiceRecord", event, map[string]interface{}{"aggregate_id": "missing"}, UpdateOptions{}, nil)
	if _, ok := err.(*domain.RecordNotFoundError); !ok {
		t.Fatalf("expected *domain.RecordNotFoundError, got %T (%v)", err, err)
	}
}

func TestCreateOrUpdateRecord_UpsertsOnMatch(t *testing.T) {
	s := New(nil)
	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := s.CreateOrUpdateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1", "status": "draft"}, createdAt, nil)
	second := s.CreateOrUpdateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1", "status": "draft"}, createdAt, func(rec *Record) {
		rec.Set("status", "paid")
	})

	if first != second {
		t.Fatal("expected CreateOrUpdateRecord to return the same record identity on upsert")
	}
	if second.Get("status") != "paid" {
		t.Fatalf("expected status updated to paid, got %v", second.Get("status"))
	}

	matches := s.FindRecords("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1"})
	if len(matches) != 1 {
		t.Fatalf("expected exactly one record after upsert, got %d", len(matches))
	}
}

func TestDeleteRecord_RemovesFromIndexes(t *testing.T) {
	indices := IndexSpec{"InvoiceRecord": [][]string{{"recipient_id"}}}
	s := New(indices)
	rec := s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1", "recipient_id": "cust-1"}, nil)

	s.DeleteRecord(rec)

	if len(s.FindRecords("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1"})) != 0 {
		t.Fatal("expected aggregate_id lookup to miss after delete")
	}
	if len(s.FindRecords("InvoiceRecord", map[string]interface{}{"recipient_id": "cust-1"})) != 0 {
		t.Fatal("expected composite index lookup to miss after delete")
	}
}

func TestUpdateAllRecords_OverlaysEveryMatch(t *testing.T) {
	s := New(nil)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1", "recipient_id": "cust-1", "status": "draft"}, nil)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-2", "recipient_id": "cust-1", "status": "draft"}, nil)

	s.UpdateAllRecords("InvoiceRecord", map[string]interface{}{"recipient_id": "cust-1"}, map[string]interface{}{"status": "void"})

	for _, rec := range s.FindRecords("InvoiceRecord", map[string]interface{}{"recipient_id": "cust-1"}) {
		if rec.Get("status") != "void" {
			t.Fatalf("expected all matching records voided, got %v", rec.Get("status"))
		}
	}
}

func TestLastRecord_ReturnsFinalMatch(t *testing.T) {
	s := New(nil)
	if s.LastRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1"}) != nil {
		t.Fatal("expected nil for empty session")
	}
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1", "recipient_id": "cust-1"}, nil)
	last := s.LastRecord("InvoiceRecord", map[string]interface{}{"recipient_id": "cust-1"})
	if last == nil || last.Get("aggregate_id") != "inv-1" {
		t.Fatalf("expected last record to be inv-1, got %v", last)
	}
}

func TestCommit_ClearsSessionRegardlessOfOutcome(t *testing.T) {
	s := New(nil)
	s.CreateRecord("InvoiceRecord", map[string]interface{}{"aggregate_id": "inv-1"}, nil)

	cfg := CommitConfig{InsertCSVSize: 1000, TableName: func(class string) string { return "invoice_records" }}
	err := s.Commit(context.Background(), noopBulk{}, failingRows{}, cfg)
	if err == nil {
		t.Fatal("expected failing row inserter to surface an error")
	}
	if len(s.store) != 0 {
		t.Fatal("expected Clear to run even when Commit fails")
	}
}

// noopBulk satisfies CopyFromer but is never exercised in this test:
// the class stays under cfg.InsertCSVSize, so Commit takes the
// per-row path and this is here only to provide a concrete CopyFromer.
type noopBulk struct{}

func (noopBulk) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

type failingRows struct{}

func (failingRows) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, sql.ErrConnDone
}

func TestColumnsFor_OmitsIDAndSortsUnion(t *testing.T) {
	recs := []*Record{
		{Values: map[string]interface{}{"id": 1, "b_col": "x", "a_col": "y"}},
		{Values: map[string]interface{}{"c_col": "z"}},
	}
	cols := columnsFor(recs)
	want := []string{"a_col", "b_col", "c_col"}
	if len(cols) != len(want) {
		t.Fatalf("expected %v, got %v", want, cols)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cols)
		}
	}
}
