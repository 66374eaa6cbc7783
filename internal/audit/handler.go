package audit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hadrian-run/hadrian/internal/httpserver"
)

// LogRow is a single listed audit log row.
type LogRow struct {
	ID           int64  `json:"id"`
	At           string `json:"at"`
	ActorType    string `json:"actor_type"`
	ActorID      string `json:"actor_id,omitempty"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

// Handler provides the admin HTTP read surface over the audit log.
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	rows, total, err := listAuditLog(r.Context(), h.pool, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(rows, params, total))
}

const listAuditLogQuery = `
SELECT id, at, actor_type, actor_id, action, resource_type, resource_id
FROM audit_log
ORDER BY at DESC
LIMIT $1 OFFSET $2`

func listAuditLog(ctx context.Context, pool *pgxpool.Pool, limit, offset int) ([]LogRow, int, error) {
	rows, err := pool.Query(ctx, listAuditLogQuery, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying audit log: %w", err)
	}
	items, err := scanAuditLogRows(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM audit_log").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting audit log: %w", err)
	}

	return items, total, nil
}

func scanAuditLogRows(rows pgx.Rows) ([]LogRow, error) {
	defer rows.Close()
	var items []LogRow
	for rows.Next() {
		var row LogRow
		var actorID *string
		if err := rows.Scan(&row.ID, &row.At, &row.ActorType, &actorID, &row.Action, &row.ResourceType, &row.ResourceID); err != nil {
			return nil, fmt.Errorf("scanning audit log row: %w", err)
		}
		if actorID != nil {
			row.ActorID = *actorID
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log rows: %w", err)
	}
	return items, nil
}
