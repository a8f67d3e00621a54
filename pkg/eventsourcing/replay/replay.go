// Package replay implements ReplaySession: the in-memory working set a
// read-model handler uses while rebuilding view state from replayed
// events, and its bulk flush back to the database. There is no direct
// teacher analogue for a runtime record store, grounded instead on
// the teacher's GORM persistence idiom (pkg/infrastructure/eventstore.go:
// batched, transactional writes keyed by a typed record struct) and on
// jackc/pgx/v5's native CopyFrom, the one driver in the retrieved
// corpus that exposes the COPY protocol this component needs, and on
// the teacher's own test/integration use of google/uuid for
// generating row identifiers ahead of persistence.
package replay

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/acarpe/sequent/pkg/eventsourcing/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Record is a single staged row. Equality and hashing are by Go
// pointer identity, exactly the address-based identity the spec
// requires so that mutating a record's Values in place never changes
// which set/bucket it lives in.
type Record struct {
	Class  string
	Values map[string]interface{}
}

// Get returns the value of column col, or nil if unset.
func (r *Record) Get(col string) interface{} { return r.Values[col] }

// Set assigns col in place; it does not affect r's identity.
func (r *Record) Set(col string, v interface{}) { r.Values[col] = v }

// IndexSpec declares, per record class, which column tuples should be
// composite-indexed. A tuple of one column ("recipient_id") is as
// valid as a multi-column tuple.
type IndexSpec map[string][][]string

// UpdateOptions tunes UpdateRecord's bookkeeping.
type UpdateOptions struct {
	// SkipSequenceNumber, when true, leaves record["sequence_number"]
	// untouched instead of setting it from the triggering event.
	SkipSequenceNumber bool
}

// ReplaySession is the per-replay-run working set. Not safe to share
// across concurrent replay runs; it is safe for concurrent handler
// goroutines processing a single run, guarded by an internal mutex.
type ReplaySession struct {
	indices IndexSpec

	mu        sync.Mutex
	store     map[string]map[*Record]struct{}
	aggIndex  map[string]map[string]*Record
	compIndex map[string][]*Record
}

// New returns an empty session configured with the given composite
// indexes (e.g. {"InvoiceRecord": {{"recipient_id"}}}).
func New(indices IndexSpec) *ReplaySession {
	s := &ReplaySession{indices: indices}
	s.Clear()
	return s
}

// Clear drops every staged record and index. Idempotent.
func (s *ReplaySession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = make(map[string]map[*Record]struct{})
	s.aggIndex = make(map[string]map[string]*Record)
	s.compIndex = make(map[string][]*Record)
}

// CreateRecord builds a new record for cls from values, stages it,
// indexes it, assigns an id (uuid.NewString) when values doesn't
// already carry one, defaults updated_at to created_at when values
// carries created_at but no updated_at, and hands it to customize for any further
// adjustment before it becomes visible to other callers. The id never
// reaches Commit's write path (see columnsFor); it only identifies the
// record in memory.
func (s *ReplaySession) CreateRecord(cls string, values map[string]interface{}, customize func(*Record)) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(map[string]interface{}, len(values))
	for k, v := range values {
		cp[k] = v
	}
	if _, hasID := cp["id"]; !hasID {
		cp["id"] = uuid.NewString()
	}
	if _, hasUpdated := cp["updated_at"]; !hasUpdated {
		if createdAt, hasCreated := cp["created_at"]; hasCreated {
			cp["updated_at"] = createdAt
		}
	}
	rec := &Record{Class: cls, Values: cp}

	if s.store[cls] == nil {
		s.store[cls] = make(map[*Record]struct{})
	}
	s.store[cls][rec] = struct{}{}

	if customize != nil {
		customize(rec)
	}
	s.reindexClassLocked(cls)
	return rec
}

// UpdateRecord locates the record matching where, applies mutate,
// stamps sequence_number from event unless opts.SkipSequenceNumber, and
// stamps updated_at from event.CreatedAt whenever that column exists
// (regardless of opts). Fails with
// RecordNotFoundError if no record matches. where is expected to
// identify at most one record (a primary or unique key); if it matches
// several, the first one FindRecords returns is updated and the rest
// are left alone, callers that need every match updated together want
// UpdateAllRecords instead.
func (s *ReplaySession) UpdateRecord(cls string, event domain.Envelope, where map[string]interface{}, opts UpdateOptions, mutate func(*Record)) error {
	matches := s.FindRecords(cls, where)
	if len(matches) == 0 {
		return &domain.RecordNotFoundError{RecordClass: cls, Where: where}
	}
	rec := matches[0]

	s.mu.Lock()
	defer s.mu.Unlock()
	if mutate != nil {
		mutate(rec)
	}
	if !opts.SkipSequenceNumber {
		rec.Values["sequence_number"] = event.SequenceNumber
	}
	if _, hasUpdated := rec.Values["updated_at"]; hasUpdated {
		rec.Values["updated_at"] = event.CreatedAt
	}
	s.reindexClassLocked(cls)
	return nil
}

// CreateOrUpdateRecord upserts by a where-clause drawn from values'
// own keys: if a matching record already exists its columns are
// merged with values, otherwise a new record is created with
// created_at stamped in.
func (s *ReplaySession) CreateOrUpdateRecord(cls string, values map[string]interface{}, createdAt time.Time, customize func(*Record)) *Record {
	where := make(map[string]interface{}, len(values))
	for k, v := range values {
		where[k] = v
	}

	if existing := s.FindRecords(cls, where); len(existing) > 0 {
		rec := existing[0]
		s.mu.Lock()
		for k, v := range values {
			rec.Values[k] = v
		}
		if customize != nil {
			customize(rec)
		}
		s.reindexClassLocked(cls)
		s.mu.Unlock()
		return rec
	}

	withCreatedAt := make(map[string]interface{}, len(values)+1)
	for k, v := range values {
		withCreatedAt[k] = v
	}
	withCreatedAt["created_at"] = createdAt
	return s.CreateRecord(cls, withCreatedAt, customize)
}

// DeleteRecord removes rec from its class's store and every index.
func (s *ReplaySession) DeleteRecord(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.store[rec.Class], rec)
	s.reindexClassLocked(rec.Class)
}

// DeleteAllRecords removes every record matching where from cls.
func (s *ReplaySession) DeleteAllRecords(cls string, where map[string]interface{}) {
	for _, rec := range s.FindRecords(cls, where) {
		s.DeleteRecord(rec)
	}
}

// UpdateAllRecords mutates every record matching where in place by
// applying updates as a column → value overlay.
func (s *ReplaySession) UpdateAllRecords(cls string, where map[string]interface{}, updates map[string]interface{}) {
	matches := s.FindRecords(cls, where)
	s.mu.Lock()
	for _, rec := range matches {
		for k, v := range updates {
			rec.Values[k] = v
		}
	}
	s.reindexClassLocked(cls)
	s.mu.Unlock()
}

// FindRecords implements the three-branch query path: an aggregate_id
// shortcut, a declared composite index hit, or a linear scan. It
// always returns a fresh slice; mutating the result does not affect
// the session.
func (s *ReplaySession) FindRecords(cls string, where map[string]interface{}) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(where) == 1 {
		if id, ok := where["aggregate_id"]; ok {
			if rec, ok := s.aggIndex[cls][fmt.Sprint(id)]; ok {
				return []*Record{rec}
			}
			return nil
		}
	}

	if tuple, ok := matchingTuple(s.indices[cls], where); ok {
		key := compositeKey(cls, tuple, where)
		return append([]*Record(nil), s.compIndex[key]...)
	}

	var out []*Record
	for rec := range s.store[cls] {
		if recordMatches(rec, where) {
			out = append(out, rec)
		}
	}
	return out
}

// LastRecord returns the last element FindRecords(cls, where) would
// return, or nil if there is none.
func (s *ReplaySession) LastRecord(cls string, where map[string]interface{}) *Record {
	matches := s.FindRecords(cls, where)
	if len(matches) == 0 {
		return nil
	}
	return matches[len(matches)-1]
}

// DoWithRecords calls fn for every record currently matching where.
func (s *ReplaySession) DoWithRecords(cls string, where map[string]interface{}, fn func(*Record)) {
	for _, rec := range s.FindRecords(cls, where) {
		fn(rec)
	}
}

// matchingTuple reports whether where's keys exactly match (by set
// equality) one of cls's declared index tuples, returning that tuple.
func matchingTuple(tuples [][]string, where map[string]interface{}) ([]string, bool) {
	for _, tuple := range tuples {
		if len(tuple) != len(where) {
			continue
		}
		ok := true
		for _, col := range tuple {
			if _, present := where[col]; !present {
				ok = false
				break
			}
		}
		if ok {
			return tuple, true
		}
	}
	return nil, false
}

func compositeKey(cls string, tuple []string, values map[string]interface{}) string {
	parts := make([]string, 0, len(tuple)+1)
	parts = append(parts, cls)
	for _, col := range tuple {
		parts = append(parts, col+"="+fmt.Sprint(coerceComparable(values[col])))
	}
	return joinKey(parts)
}

func joinKey(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\x00"
		}
		out += p
	}
	return out
}

// recordMatches applies the linear-scan matching rule: every where
// key must equal the record's value for that column, with symbol and
// string values compared by string form and array where-values
// treated as an "in" set.
func recordMatches(rec *Record, where map[string]interface{}) bool {
	for col, want := range where {
		got := rec.Values[col]
		if !valueMatches(got, want) {
			return false
		}
	}
	return true
}

func valueMatches(got, want interface{}) bool {
	if set, ok := asSet(want); ok {
		for _, w := range set {
			if scalarEqual(got, w) {
				return true
			}
		}
		return false
	}
	return scalarEqual(got, want)
}

func asSet(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	default:
		return nil, false
	}
}

func scalarEqual(got, want interface{}) bool {
	return coerceComparable(got) == coerceComparable(want)
}

// coerceComparable renders Symbol-like values to their plain string
// form so "draft" (string) and NewSymbol("draft") compare equal, and
// passes everything else through unchanged.
func coerceComparable(v interface{}) interface{} {
	if stringer, ok := v.(fmt.Stringer); ok {
		return stringer.String()
	}
	return v
}

func (s *ReplaySession) reindexClassLocked(cls string) {
	for id := range s.aggIndex[cls] {
		delete(s.aggIndex[cls], id)
	}
	for key := range s.compIndex {
		if hasPrefix(key, cls+"\x00") || key == cls {
			delete(s.compIndex, key)
		}
	}

	tuples := s.indices[cls]
	for rec := range s.store[cls] {
		if id, ok := rec.Values["aggregate_id"]; ok {
			if s.aggIndex[cls] == nil {
				s.aggIndex[cls] = make(map[string]*Record)
			}
			s.aggIndex[cls][fmt.Sprint(id)] = rec
		}
		for _, tuple := range tuples {
			where := make(map[string]interface{}, len(tuple))
			complete := true
			for _, col := range tuple {
				val, ok := rec.Values[col]
				if !ok {
					complete = false
					break
				}
				where[col] = val
			}
			if !complete {
				continue
			}
			key := compositeKey(cls, tuple, where)
			s.compIndex[key] = append(s.compIndex[key], rec)
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// CopyFromer is satisfied by *pgxpool.Pool and pgx.Tx, whatever
// native-COPY-capable connection the caller wires up for the bulk
// path.
type CopyFromer interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// RowInserter is satisfied by *sql.DB and *sql.Tx for the per-row
// INSERT path.
type RowInserter interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CommitConfig parameterizes the flush.
type CommitConfig struct {
	// InsertCSVSize is the record-count threshold above which a
	// class's records flush via bulk COPY instead of per-row INSERT.
	InsertCSVSize int
	// TableName maps a record class to its destination table.
	TableName func(class string) string
}

// Commit flushes every staged class to the database: classes with
// more records than cfg.InsertCSVSize go through bulk.CopyFrom inside
// one COPY stream; smaller classes go through rows one parameterized
// INSERT at a time. The `id` column is always omitted from both
// paths, ids are assigned by the destination table. Clear runs on
// every exit path, success or failure.
func (s *ReplaySession) Commit(ctx context.Context, bulk CopyFromer, rows RowInserter, cfg CommitConfig) error {
	defer s.Clear()

	s.mu.Lock()
	classes := make([]string, 0, len(s.store))
	for cls := range s.store {
		classes = append(classes, cls)
	}
	sort.Strings(classes)
	snapshot := make(map[string][]*Record, len(classes))
	for _, cls := range classes {
		recs := make([]*Record, 0, len(s.store[cls]))
		for rec := range s.store[cls] {
			recs = append(recs, rec)
		}
		snapshot[cls] = recs
	}
	s.mu.Unlock()

	for _, cls := range classes {
		recs := snapshot[cls]
		if len(recs) == 0 {
			continue
		}
		table := cfg.TableName(cls)
		columns := columnsFor(recs)

		if len(recs) > cfg.InsertCSVSize {
			src := &recordCopySource{recs: recs, columns: columns}
			if _, err := bulk.CopyFrom(ctx, pgx.Identifier{table}, columns, src); err != nil {
				return &domain.BulkCopyError{RecordClass: cls, Cause: err}
			}
			continue
		}

		for _, rec := range recs {
			query, args := insertStatement(table, columns, rec)
			if _, err := rows.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("replay: insert into %s: %w", table, err)
			}
		}
	}
	return nil
}

// columnsFor returns the sorted union of columns across recs, minus
// id (never written, the table assigns its own primary key).
func columnsFor(recs []*Record) []string {
	set := make(map[string]struct{})
	for _, rec := range recs {
		for col := range rec.Values {
			if col == "id" {
				continue
			}
			set[col] = struct{}{}
		}
	}
	cols := make([]string, 0, len(set))
	for col := range set {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func insertStatement(table string, columns []string, rec *Record) (string, []interface{}) {
	placeholders := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = rec.Values[col]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, joinCommaQuoted(columns), joinComma(placeholders))
	return query, args
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func joinCommaQuoted(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = `"` + c + `"`
	}
	return joinComma(quoted)
}

// recordCopySource adapts a []*Record to pgx.CopyFromSource, the
// shape pgx's own CopyFromRows helper expects, this is the streaming
// CSV-equivalent wire format the spec's bulk-COPY path describes.
type recordCopySource struct {
	recs    []*Record
	columns []string
	idx     int
}

func (s *recordCopySource) Next() bool {
	s.idx++
	return s.idx <= len(s.recs)
}

func (s *recordCopySource) Values() ([]interface{}, error) {
	rec := s.recs[s.idx-1]
	out := make([]interface{}, len(s.columns))
	for i, col := range s.columns {
		out[i] = rec.Values[col]
	}
	return out, nil
}

func (s *recordCopySource) Err() error { return nil }
