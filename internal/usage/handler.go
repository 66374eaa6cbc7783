package usage

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

// LogRow is a single listed usage_log row, for the admin usage surface.
type LogRow struct {
	ID           int64  `json:"id"`
	RequestID    string `json:"request_id"`
	OrgID        string `json:"org_id,omitempty"`
	APIKeyID     string `json:"api_key_id,omitempty"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	RequestAt    string `json:"request_at"`
	StatusCode   *int32 `json:"status_code,omitempty"`
}

// Handler provides the admin HTTP read surface over usage_log.
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

	rows, total, err := listUsageLog(r.Context(), h.pool, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing usage log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list usage log")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(rows, params, total))
}

const listUsageLogQuery = `
SELECT id, request_id, org_id, api_key_id, model, provider, input_tokens,
	output_tokens, request_at, status_code
FROM usage_log
ORDER BY request_at DESC
LIMIT $1 OFFSET $2`

func listUsageLog(ctx context.Context, pool *pgxpool.Pool, limit, offset int) ([]LogRow, int, error) {
	rows, err := pool.Query(ctx, listUsageLogQuery, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying usage log: %w", err)
	}
	items, err := scanUsageLogRows(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM usage_log").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting usage log: %w", err)
	}

	return items, total, nil
}

func scanUsageLogRows(rows pgx.Rows) ([]LogRow, error) {
	defer rows.Close()
	var items []LogRow
	for rows.Next() {
		var row LogRow
		var orgID, apiKeyID *string
		if err := rows.Scan(&row.ID, &row.RequestID, &orgID, &apiKeyID, &row.Model, &row.Provider,
			&row.InputTokens, &row.OutputTokens, &row.RequestAt, &row.StatusCode); err != nil {
			return nil, fmt.Errorf("scanning usage log row: %w", err)
		}
		if orgID != nil {
			row.OrgID = *orgID
		}
		if apiKeyID != nil {
			row.APIKeyID = *apiKeyID
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage log rows: %w", err)
	}
	return items, nil
}
