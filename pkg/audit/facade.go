package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/tally/pkg/changes"
	"github.com/platinummonkey/tally/pkg/ledger"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/tenant"
)

// Actor identifies who performed a mutation and from where.
type Actor struct {
	UserID    string
	SourceIP  string
	SessionID string
}

// Facade records business mutations in the ledger.
type Facade struct {
	ledger   ledger.Store
	detector *changes.Detector
	logger   *observability.Logger
	otel     *observability.OTelMetrics
}

// NewFacade creates the audit facade.
func NewFacade(store ledger.Store, detector *changes.Detector, logger *observability.Logger) *Facade {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Facade{ledger: store, detector: detector, logger: logger}
}

// WithOTelMetrics attaches OpenTelemetry write instruments. A nil
// receiver of the instruments leaves recording disabled.
func (f *Facade) WithOTelMetrics(m *observability.OTelMetrics) *Facade {
	f.otel = m
	return f
}

// RecordCreate records the creation of a business record. The Querier
// should be the transaction the creation itself runs in.
func (f *Facade) RecordCreate(ctx context.Context, q ledger.Querier, tenantID, recordType, recordID string, newSnap changes.Snapshot, actor Actor) (*ledger.TransactionRecord, error) {
	return f.record(ctx, q, tenantID, recordType, recordID, ledger.TypeCreate, nil, newSnap, actor)
}

// RecordUpdate diffs the before and after snapshots and records the
// update. Updates that change no fields are still recorded; the
// attempt itself is auditable.
func (f *Facade) RecordUpdate(ctx context.Context, q ledger.Querier, tenantID, recordType, recordID string, oldSnap, newSnap changes.Snapshot, actor Actor) (*ledger.TransactionRecord, error) {
	return f.record(ctx, q, tenantID, recordType, recordID, ledger.TypeUpdate, oldSnap, newSnap, actor)
}

// RecordDelete records the deletion of a business record.
func (f *Facade) RecordDelete(ctx context.Context, q ledger.Querier, tenantID, recordType, recordID string, oldSnap changes.Snapshot, actor Actor) (*ledger.TransactionRecord, error) {
	return f.record(ctx, q, tenantID, recordType, recordID, ledger.TypeDelete, oldSnap, nil, actor)
}

func (f *Facade) record(ctx context.Context, q ledger.Querier, tenantID, recordType, recordID string, txType ledger.TransactionType, oldSnap, newSnap changes.Snapshot, actor Actor) (rec *ledger.TransactionRecord, err error) {
	scopedCtx, err := tenant.Enter(ctx, tenantID, "")
	if err != nil {
		return nil, err
	}
	// Exit must run on every path, panics included, so the scope can
	// never leak into the next unit of work.
	defer func() {
		if exitErr := tenant.Exit(scopedCtx); exitErr != nil && err == nil {
			err = exitErr
		}
	}()

	return f.RecordScoped(scopedCtx, q, recordType, recordID, txType, oldSnap, newSnap, actor)
}

// RecordScoped records a mutation using the tenant scope already
// active on the context. HTTP handlers use this form because the scope
// middleware entered the scope for the whole request.
func (f *Facade) RecordScoped(ctx context.Context, q ledger.Querier, recordType, recordID string, txType ledger.TransactionType, oldSnap, newSnap changes.Snapshot, actor Actor) (*ledger.TransactionRecord, error) {
	cs := f.detector.Diff(recordType, oldSnap, newSnap)

	rec := &ledger.TransactionRecord{
		RecordType:  recordType,
		RecordID:    recordID,
		Type:        txType,
		ActorUserID: actor.UserID,
		SourceIP:    actor.SourceIP,
		SessionID:   actor.SessionID,
		Description: f.detector.Describe(cs),
		Changes:     cs,
	}
	if oldSnap != nil {
		rec.OldSnapshot = f.detector.Serialize(recordType, oldSnap)
	}
	if newSnap != nil {
		rec.NewSnapshot = f.detector.Serialize(recordType, newSnap)
	}

	start := time.Now()
	err := f.ledger.Append(ctx, q, rec)
	if f.otel != nil {
		f.otel.RecordAuditWrite(ctx, recordType, string(txType), len(cs.Changes), time.Since(start), err)
	}
	if err != nil {
		// The caller must roll back the business mutation; an
		// unaudited mutation is worse than a rejected one.
		f.logger.WithError(err).WithFields(map[string]interface{}{
			"record_type": recordType,
			"record_id":   recordID,
		}).Error("audit write failed")
		return nil, err
	}

	return rec, nil
}
