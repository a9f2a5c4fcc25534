package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openpredict/marketd/internal/domain"
)

// settlementPrefix is where a market's audit bundles live.
func settlementPrefix(marketID string) string {
	return "settlements/" + marketID + "/"
}

// SettlementArchiver implements domain.Archiver: it exports a resolved
// market's full settlement trail (market row, resolution history, ledger
// entries, orders) to one JSONL object per market for offline audit.
//
// The export is read-only against the primary store. Nothing is deleted;
// ledger entries stay authoritative forever.
type SettlementArchiver struct {
	writer      domain.BlobWriter
	reader      domain.BlobReader
	markets     domain.MarketStore
	orders      domain.OrderStore
	ledger      domain.LedgerStore
	resolutions domain.ResolutionStore
	audit       domain.AuditStore
}

// NewSettlementArchiver creates a SettlementArchiver reading from the given
// stores and moving bundles through the given blob writer and reader.
func NewSettlementArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	markets domain.MarketStore,
	orders domain.OrderStore,
	ledger domain.LedgerStore,
	resolutions domain.ResolutionStore,
	audit domain.AuditStore,
) *SettlementArchiver {
	return &SettlementArchiver{
		writer:      writer,
		reader:      reader,
		markets:     markets,
		orders:      orders,
		ledger:      ledger,
		resolutions: resolutions,
		audit:       audit,
	}
}

// archiveLine is one JSONL record in the export. Kind distinguishes the
// record types within a single object.
type archiveLine struct {
	Kind       string                   `json:"kind"`
	Market     *domain.Market           `json:"market,omitempty"`
	Resolution *domain.ResolutionRecord `json:"resolution,omitempty"`
	Order      *domain.Order            `json:"order,omitempty"`
	Ledger     *domain.LedgerEntry      `json:"ledger,omitempty"`
}

// ArchiveSettlement exports the market's settlement trail to
// settlements/{marketID}/{resolvedAt}.jsonl and returns the object path.
// It refuses to archive a market that has not been resolved.
func (a *SettlementArchiver) ArchiveSettlement(ctx context.Context, marketID string) (string, error) {
	m, err := a.markets.GetByID(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive settlement: %w", err)
	}
	if m.Status != domain.MarketStatusResolved {
		return "", fmt.Errorf("s3blob: archive settlement %s: %w", marketID, domain.ErrNotResolved)
	}

	history, err := a.resolutions.ListByMarket(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive settlement history: %w", err)
	}
	orders, err := a.orders.ListByMarket(ctx, marketID, domain.ListOpts{})
	if err != nil {
		return "", fmt.Errorf("s3blob: archive settlement orders: %w", err)
	}
	entries, err := a.ledger.ListByMarket(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive settlement ledger: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	lines := make([]archiveLine, 0, 1+len(history)+len(orders)+len(entries))
	lines = append(lines, archiveLine{Kind: "market", Market: &m})
	for i := range history {
		lines = append(lines, archiveLine{Kind: "resolution", Resolution: &history[i]})
	}
	for i := range orders {
		lines = append(lines, archiveLine{Kind: "order", Order: &orders[i]})
	}
	for i := range entries {
		lines = append(lines, archiveLine{Kind: "ledger", Ledger: &entries[i]})
	}
	for i, line := range lines {
		if err := enc.Encode(line); err != nil {
			return "", fmt.Errorf("s3blob: archive settlement encode record %d: %w", i, err)
		}
	}

	resolvedAt := time.Now().UTC()
	if m.ResolvedAt != nil {
		resolvedAt = m.ResolvedAt.UTC()
	}
	path := settlementPrefix(marketID) + resolvedAt.Format("20060102T150405Z") + ".jsonl"

	if err := a.writer.Put(ctx, path, bytes.NewReader(buf.Bytes()), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive settlement upload: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.settlement", map[string]any{
		"market_id": marketID,
		"path":      path,
		"records":   len(lines),
	}); err != nil {
		return path, fmt.Errorf("s3blob: archive settlement audit log: %w", err)
	}

	return path, nil
}

// ListSettlements returns the audit bundles exported for the market, in key
// order (the timestamped names sort oldest first).
func (a *SettlementArchiver) ListSettlements(ctx context.Context, marketID string) ([]domain.BlobInfo, error) {
	return a.reader.List(ctx, settlementPrefix(marketID))
}

// OpenSettlement streams one exported bundle by its object name within the
// market's prefix. The caller closes the returned reader.
func (a *SettlementArchiver) OpenSettlement(ctx context.Context, marketID, name string) (io.ReadCloser, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, fmt.Errorf("s3blob: open settlement %q: %w", name, domain.ErrNotFound)
	}
	return a.reader.Get(ctx, settlementPrefix(marketID)+name)
}

// Compile-time interface check.
var _ domain.Archiver = (*SettlementArchiver)(nil)
