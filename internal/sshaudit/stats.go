package sshaudit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/database"
)

// Statistics is a read-only aggregation over the audit table.
type Statistics struct {
	Total      int64            `json:"total"`
	HighRisk   int64            `json:"high_risk"`
	Blocked    int64            `json:"blocked"`
	ByCategory map[string]int64 `json:"by_category"`
	ByStatus   map[string]int64 `json:"by_status"`
	ByRisk     map[string]int64 `json:"by_risk"`
	TopActions []ActionCount    `json:"top_actions"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int64  `json:"count"`
}

type groupRow struct {
	Grp   string
	Count int64
}

func (a *Auditor) groupCount(ctx context.Context, f Filter, column string) (map[string]int64, error) {
	var rows []groupRow
	err := a.scoped(ctx, f).
		Select(column + " AS grp, COUNT(*) AS count").
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("group audit logs by %s: %w", column, err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Grp] = r.Count
	}
	return out, nil
}

// Statistics aggregates events recorded since the given time (all time when nil).
func (a *Auditor) Statistics(ctx context.Context, since *time.Time) (*Statistics, error) {
	f := Filter{Since: since}
	st := &Statistics{}

	if err := a.scoped(ctx, f).Count(&st.Total).Error; err != nil {
		return nil, fmt.Errorf("count audit logs: %w", err)
	}

	var err error
	if st.ByCategory, err = a.groupCount(ctx, f, "category"); err != nil {
		return nil, err
	}
	if st.ByStatus, err = a.groupCount(ctx, f, "status"); err != nil {
		return nil, err
	}
	if st.ByRisk, err = a.groupCount(ctx, f, "risk_level"); err != nil {
		return nil, err
	}
	st.HighRisk = st.ByRisk[RiskHigh] + st.ByRisk[RiskCritical]
	st.Blocked = st.ByStatus[StatusBlocked]

	var top []groupRow
	err = a.scoped(ctx, f).
		Select("action AS grp, COUNT(*) AS count").
		Group("action").
		Order("count DESC, grp ASC").
		Limit(10).
		Scan(&top).Error
	if err != nil {
		return nil, fmt.Errorf("top audit actions: %w", err)
	}
	st.TopActions = make([]ActionCount, 0, len(top))
	for _, r := range top {
		st.TopActions = append(st.TopActions, ActionCount{Action: r.Grp, Count: r.Count})
	}
	return st, nil
}

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

const maxExportRows = 10000

var csvHeader = []string{
	"id", "created_at", "category", "action", "status", "risk_level",
	"username", "source_ip", "endpoint_id", "session_token", "resource", "command", "result",
}

// Export writes every event matching f (newest first, capped) to w.
func (a *Auditor) Export(ctx context.Context, w io.Writer, f Filter, format string) error {
	if format != FormatJSON && format != FormatCSV {
		return apperr.Errorf(apperr.KindValidation, "unsupported export format %q", format)
	}

	var events []database.AuditLog
	err := a.scoped(ctx, f).
		Order("created_at DESC").Order("id DESC").
		Limit(maxExportRows).
		Find(&events).Error
	if err != nil {
		return fmt.Errorf("load audit logs for export: %w", err)
	}

	if format == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range events {
		row := []string{
			strconv.FormatUint(uint64(e.ID), 10),
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.Category,
			e.Action,
			e.Status,
			e.RiskLevel,
			e.Username,
			e.SourceIP,
			strconv.FormatUint(uint64(e.EndpointID), 10),
			e.SessionToken,
			e.Resource,
			e.Command,
			e.Result,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
