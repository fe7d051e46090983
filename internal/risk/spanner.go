package risk

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/umbrix/backend/internal/core"
)

// SpannerLedger keeps the score history in Cloud Spanner. The table is
// append-only; CreatedAt uses the commit timestamp so ordering is the
// database's, not the worker's clock.
//
// Schema:
//
//	CREATE TABLE RiskHistory (
//	  OrganizationId STRING(64)  NOT NULL,
//	  AutomationId   STRING(64)  NOT NULL,
//	  CreatedAt      TIMESTAMP   NOT NULL OPTIONS (allow_commit_timestamp=true),
//	  Score          INT64       NOT NULL,
//	  OverallRisk    STRING(16)  NOT NULL,
//	  Changes        ARRAY<STRING(MAX)>,
//	) PRIMARY KEY (OrganizationId, AutomationId, CreatedAt)
type SpannerLedger struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerLedger opens a ledger over the fully-qualified database path
// (projects/<p>/instances/<i>/databases/<d>).
func NewSpannerLedger(ctx context.Context, database string) (*SpannerLedger, error) {
	client, err := spanner.NewClient(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("spanner client: %w", err)
	}
	return &SpannerLedger{
		client: client,
		logger: log.New(log.Writer(), "[RiskLedger] ", log.LstdFlags),
	}, nil
}

// Close releases the Spanner session pool.
func (s *SpannerLedger) Close() { s.client.Close() }

func (s *SpannerLedger) Append(ctx context.Context, p Point) error {
	m := spanner.Insert("RiskHistory",
		[]string{"OrganizationId", "AutomationId", "CreatedAt", "Score", "OverallRisk", "Changes"},
		[]interface{}{p.OrganizationID, p.AutomationID, spanner.CommitTimestamp, int64(p.Score), string(p.OverallRisk), p.Changes},
	)
	if _, err := s.client.Apply(ctx, []*spanner.Mutation{m}); err != nil {
		return fmt.Errorf("risk history insert: %w", err)
	}
	return nil
}

func (s *SpannerLedger) Latest(ctx context.Context, organizationID, automationID string) (*Point, error) {
	stmt := spanner.Statement{
		SQL: `SELECT CreatedAt, Score, OverallRisk, Changes
		        FROM RiskHistory
		       WHERE OrganizationId = @org AND AutomationId = @auto
		    ORDER BY CreatedAt DESC LIMIT 1`,
		Params: map[string]interface{}{"org": organizationID, "auto": automationID},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return scanPoint(row, organizationID, automationID)
}

// Window reads points inside the trend window. Trend queries tolerate
// slightly stale data; a bounded-staleness read keeps them off the
// leader.
func (s *SpannerLedger) Window(ctx context.Context, organizationID, automationID string, window TrendWindow) ([]Point, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -int(window))
	stmt := spanner.Statement{
		SQL: `SELECT CreatedAt, Score, OverallRisk, Changes
		        FROM RiskHistory
		       WHERE OrganizationId = @org AND AutomationId = @auto AND CreatedAt >= @cutoff
		    ORDER BY CreatedAt ASC`,
		Params: map[string]interface{}{"org": organizationID, "auto": automationID, "cutoff": cutoff},
	}

	roTx := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	defer roTx.Close()

	var points []Point
	iter := roTx.Query(ctx, stmt)
	defer iter.Stop()
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if spanner.ErrCode(err) == codes.NotFound {
				return nil, nil
			}
			return nil, err
		}
		p, err := scanPoint(row, organizationID, automationID)
		if err != nil {
			s.logger.Printf("skipping unreadable history row for %s: %v", automationID, err)
			continue
		}
		points = append(points, *p)
	}
	return points, nil
}

func scanPoint(row *spanner.Row, organizationID, automationID string) (*Point, error) {
	var (
		createdAt time.Time
		score     int64
		level     string
		changes   []string
	)
	if err := row.Columns(&createdAt, &score, &level, &changes); err != nil {
		return nil, err
	}
	return &Point{
		OrganizationID: organizationID,
		AutomationID:   automationID,
		At:             createdAt,
		Score:          int(score),
		OverallRisk:    core.RiskLevel(strings.ToLower(level)),
		Changes:        changes,
	}, nil
}
