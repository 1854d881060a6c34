package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// healthCheckTimeout は各チェックに許す時間。
const healthCheckTimeout = 3 * time.Second

// DBPinger はデータベースの疎通確認を行う。*sql.DBが満たす。
type DBPinger interface {
	PingContext(ctx context.Context) error
}

// ReadinessChecker はチャットゲートウェイへの接続状態を返す。
type ReadinessChecker interface {
	IsReady() bool
}

// HealthResponse は/healthのレスポンス。
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthHandler はデータベースとゲートウェイの状態を確認する。
type HealthHandler struct {
	db  DBPinger
	bot ReadinessChecker
}

// NewHealthHandler はHealthHandlerを生成する。nilの依存はチェックしない。
func NewHealthHandler(db DBPinger, bot ReadinessChecker) *HealthHandler {
	return &HealthHandler{db: db, bot: bot}
}

// ServeHTTP はすべてのチェックに成功すれば200、いずれかが失敗すれば503を返す。
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Checks: make(map[string]string)}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := h.db.PingContext(ctx)
		cancel()
		resp.Checks["database"] = checkResult(err)
	}
	if h.bot != nil {
		var err error
		if !h.bot.IsReady() {
			err = errors.New("gateway not connected")
		}
		resp.Checks["gateway"] = checkResult(err)
	}

	status := http.StatusOK
	for _, result := range resp.Checks {
		if result != "ok" {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func checkResult(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
