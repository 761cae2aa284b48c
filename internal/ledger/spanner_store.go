package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// SpannerStore persists the chain in Cloud Spanner for multi-region
// deployments. Expected DDL:
//
//	CREATE TABLE ProofEvents (
//	    Seq           INT64 NOT NULL,
//	    EventId       STRING(36) NOT NULL,
//	    EventType     STRING(128) NOT NULL,
//	    CorrelationId STRING(128) NOT NULL,
//	    AgentId       STRING(128) NOT NULL,
//	    Payload       JSON NOT NULL,
//	    PreviousHash  STRING(64) NOT NULL,
//	    OccurredAt    TIMESTAMP NOT NULL,
//	    EventHash     STRING(64) NOT NULL,
//	    RecordedAt    TIMESTAMP NOT NULL,
//	    SignedBy      STRING(64),
//	    Signature     STRING(MAX),
//	) PRIMARY KEY (Seq);
//	CREATE UNIQUE INDEX ProofEventsById ON ProofEvents (EventId);
type SpannerStore struct {
	client *spanner.Client
	logger *slog.Logger
}

// NewSpannerStore connects to the database at
// projects/<p>/instances/<i>/databases/<d>.
func NewSpannerStore(ctx context.Context, project, instance, database string) (*SpannerStore, error) {
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, database)
	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating spanner client: %w", err)
	}
	return &SpannerStore{
		client: client,
		logger: slog.Default().With("component", "ledger.spanner"),
	}, nil
}

// Close releases the Spanner client.
func (s *SpannerStore) Close() {
	s.client.Close()
}

func (s *SpannerStore) Append(ctx context.Context, event *ProofEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	// The next sequence number is read and written in one transaction so
	// appends stay strictly ordered even across chain restarts.
	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var next int64 = 1
		iter := txn.Query(ctx, spanner.Statement{SQL: "SELECT MAX(Seq) FROM ProofEvents"})
		defer iter.Stop()
		row, err := iter.Next()
		if err != nil && err != iterator.Done {
			return err
		}
		if err == nil {
			var max spanner.NullInt64
			if err := row.Columns(&max); err != nil {
				return err
			}
			if max.Valid {
				next = max.Int64 + 1
			}
		}

		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Insert("ProofEvents",
				[]string{"Seq", "EventId", "EventType", "CorrelationId", "AgentId", "Payload",
					"PreviousHash", "OccurredAt", "EventHash", "RecordedAt", "SignedBy", "Signature"},
				[]interface{}{next, event.EventID, event.EventType, event.CorrelationID, event.AgentID,
					spanner.NullJSON{Valid: true, Value: json.RawMessage(payload)},
					event.PreviousHash, event.OccurredAt, event.EventHash, event.RecordedAt,
					event.SignedBy, event.Signature}),
		})
	})
	if err != nil {
		s.logger.Error("append failed", "event_id", event.EventID, "error", err)
		return fmt.Errorf("inserting event %s: %w", event.EventID, err)
	}
	return nil
}

func scanSpannerEvent(row *spanner.Row) (*ProofEvent, error) {
	var e ProofEvent
	var payload spanner.NullJSON
	var signedBy, signature spanner.NullString
	err := row.Columns(&e.EventID, &e.EventType, &e.CorrelationID, &e.AgentID, &payload,
		&e.PreviousHash, &e.OccurredAt, &e.EventHash, &e.RecordedAt, &signedBy, &signature)
	if err != nil {
		return nil, err
	}
	e.SignedBy = signedBy.StringVal
	e.Signature = signature.StringVal
	if payload.Valid {
		raw, err := json.Marshal(payload.Value)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &e.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload of %s: %w", e.EventID, err)
		}
	}
	return &e, nil
}

const spannerColumns = `EventId, EventType, CorrelationId, AgentId, Payload,
	PreviousHash, OccurredAt, EventHash, RecordedAt, SignedBy, Signature`

func (s *SpannerStore) Get(ctx context.Context, eventID string) (*ProofEvent, error) {
	stmt := spanner.Statement{
		SQL:    "SELECT " + spannerColumns + " FROM ProofEvents WHERE EventId = @id",
		Params: map[string]interface{}{"id": eventID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrEventNotFound
	}
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return scanSpannerEvent(row)
}

func (s *SpannerStore) collect(ctx context.Context, stmt spanner.Statement) ([]*ProofEvent, error) {
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var out []*ProofEvent
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		event, err := scanSpannerEvent(row)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

func spannerWhere(filter Filter, params map[string]interface{}) string {
	where := ""
	and := func(clause string) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
	}
	if filter.AgentID != "" {
		params["agentId"] = filter.AgentID
		and("AgentId = @agentId")
	}
	if filter.EventType != "" {
		params["eventType"] = filter.EventType
		and("EventType = @eventType")
	}
	if filter.CorrelationID != "" {
		params["correlationId"] = filter.CorrelationID
		and("CorrelationId = @correlationId")
	}
	if !filter.Since.IsZero() {
		params["since"] = filter.Since
		and("OccurredAt >= @since")
	}
	if !filter.Until.IsZero() {
		params["until"] = filter.Until
		and("OccurredAt <= @until")
	}
	return where
}

func (s *SpannerStore) Query(ctx context.Context, filter Filter, page Page) ([]*ProofEvent, error) {
	params := map[string]interface{}{}
	sql := "SELECT " + spannerColumns + " FROM ProofEvents" + spannerWhere(filter, params) + " ORDER BY Seq"
	if page.Limit > 0 {
		params["limit"] = int64(page.Limit)
		sql += " LIMIT @limit"
		if page.Offset > 0 {
			params["offset"] = int64(page.Offset)
			sql += " OFFSET @offset"
		}
	}
	return s.collect(ctx, spanner.Statement{SQL: sql, Params: params})
}

func (s *SpannerStore) Count(ctx context.Context, filter Filter) (int64, error) {
	params := map[string]interface{}{}
	stmt := spanner.Statement{
		SQL:    "SELECT COUNT(*) FROM ProofEvents" + spannerWhere(filter, params),
		Params: params,
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := row.Columns(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SpannerStore) GetChain(ctx context.Context, fromID string, limit int) ([]*ProofEvent, error) {
	params := map[string]interface{}{}
	sql := "SELECT " + spannerColumns + " FROM ProofEvents"

	if fromID != "" {
		from, err := s.seqOf(ctx, fromID)
		if err != nil {
			return nil, err
		}
		params["fromSeq"] = from
		sql += " WHERE Seq > @fromSeq"
	}
	sql += " ORDER BY Seq"
	if limit > 0 {
		params["limit"] = int64(limit)
		sql += " LIMIT @limit"
	}
	return s.collect(ctx, spanner.Statement{SQL: sql, Params: params})
}

func (s *SpannerStore) seqOf(ctx context.Context, eventID string) (int64, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL:    "SELECT Seq FROM ProofEvents WHERE EventId = @id",
		Params: map[string]interface{}{"id": eventID},
	})
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return 0, ErrEventNotFound
	}
	if err != nil {
		return 0, err
	}
	var seq int64
	if err := row.Columns(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *SpannerStore) LastHash(ctx context.Context) (string, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: "SELECT EventHash FROM ProofEvents ORDER BY Seq DESC LIMIT 1",
	})
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return GenesisHash, nil
	}
	if err != nil {
		return "", err
	}
	var hash string
	if err := row.Columns(&hash); err != nil {
		return "", err
	}
	return hash, nil
}

func (s *SpannerStore) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByType:  make(map[string]int64),
		ByAgent: make(map[string]int64),
	}

	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: "SELECT COUNT(*), MIN(OccurredAt), MAX(OccurredAt) FROM ProofEvents",
	})
	defer iter.Stop()
	row, err := iter.Next()
	if err != nil {
		return stats, err
	}
	var first, last spanner.NullTime
	if err := row.Columns(&stats.TotalEvents, &first, &last); err != nil {
		return stats, err
	}
	if first.Valid {
		stats.FirstEvent = first.Time
	}
	if last.Valid {
		stats.LastEvent = last.Time
	}

	if err := s.groupCounts(ctx, "EventType", stats.ByType); err != nil {
		return stats, err
	}
	if err := s.groupCounts(ctx, "AgentId", stats.ByAgent); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *SpannerStore) groupCounts(ctx context.Context, column string, dest map[string]int64) error {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: fmt.Sprintf("SELECT %s, COUNT(*) FROM ProofEvents GROUP BY %s", column, column),
	})
	defer iter.Stop()

	for {
		row, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		var key string
		var n int64
		if err := row.Columns(&key, &n); err != nil {
			return err
		}
		dest[key] = n
	}
}
