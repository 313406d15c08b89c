package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ExportFormat selects the serialization used by Export.
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// Export renders the transactions matching the criteria in the given
// format, tenant-scoped like every other read. Results are capped at
// the configured maximum page size.
func (l *DBLedger) Export(ctx context.Context, criteria SearchCriteria, format ExportFormat) ([]byte, error) {
	page, err := l.Search(ctx, criteria, PageRequest{PageSize: l.cfg.MaxPageSize})
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportFormatCSV:
		return exportCSV(page.Records)
	case ExportFormatNDJSON:
		return exportNDJSON(page.Records)
	case ExportFormatJSON, "":
		return exportJSON(page.Records)
	default:
		return nil, &InvalidArgumentError{Message: fmt.Sprintf("unknown export format %q", format)}
	}
}

// exportJSON exports transactions as a JSON array
func exportJSON(records []*TransactionRecord) ([]byte, error) {
	return json.MarshalIndent(records, "", "  ")
}

// exportNDJSON exports transactions as newline-delimited JSON
func exportNDJSON(records []*TransactionRecord) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to encode transaction: %w", err)
		}
	}

	return buf.Bytes(), nil
}

// exportCSV exports transactions as CSV
func exportCSV(records []*TransactionRecord) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"TransactionID",
		"TenantID",
		"SubScopeID",
		"RecordType",
		"RecordID",
		"Type",
		"ActorUserID",
		"SourceIP",
		"SessionID",
		"Description",
		"TimestampUTC",
	}

	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range records {
		row := []string{
			strconv.FormatInt(rec.ID, 10),
			rec.TransactionID,
			rec.TenantID,
			rec.SubScopeID,
			rec.RecordType,
			rec.RecordID,
			string(rec.Type),
			rec.ActorUserID,
			rec.SourceIP,
			rec.SessionID,
			rec.Description,
			rec.TimestampUTC.Format(time.RFC3339Nano),
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}
