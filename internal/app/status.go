package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-bridge/internal/blockchain"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/ledger"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/model"
	"github.com/eidos-exchange/eidos/eidos-bridge/internal/service"
	"github.com/eidos-exchange/eidos/eidos-bridge/pkg/logger"
)

const statusQueryTimeout = 3 * time.Second

// nonceReporter Redis nonce 管理器的运行状态
type nonceReporter interface {
	GetPendingCount() int
	GetCurrentNonce(ctx context.Context) (uint64, error)
}

// endpointReporter 链客户端端点状态
type endpointReporter interface {
	Endpoints() []blockchain.EndpointStatus
	HealthyEndpoints() int
}

type chainStatus struct {
	Healthy   int                         `json:"healthy"`
	Endpoints []blockchain.EndpointStatus `json:"endpoints"`
}

type nonceStatus struct {
	Next    *uint64 `json:"next,omitempty"`
	Pending int     `json:"pending"`
}

type statusResponse struct {
	Relay         service.RelayStatus `json:"relay"`
	LedgerEntries int64               `json:"ledger_entries"`
	Nonce         *nonceStatus        `json:"nonce,omitempty"`
	Source        *chainStatus        `json:"source,omitempty"`
	Destination   *chainStatus        `json:"destination,omitempty"`
	LogLevel      string              `json:"log_level"`
}

// statusHandler 提供 /status 与 /attempt 查询
type statusHandler struct {
	relay       *service.RelayService
	ledger      ledger.Ledger
	nonces      nonceReporter
	source      endpointReporter
	destination endpointReporter
}

func (h *statusHandler) serveStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusQueryTimeout)
	defer cancel()

	resp := statusResponse{
		Relay:         h.relay.Status(),
		LedgerEntries: -1,
		Source:        chainStatusOf(h.source),
		Destination:   chainStatusOf(h.destination),
		LogLevel:      logger.GetLevel(),
	}

	if n, err := h.ledger.Len(ctx); err != nil {
		logger.Warn("status ledger size failed", zap.Error(err))
	} else {
		resp.LedgerEntries = n
	}

	if h.nonces != nil {
		resp.Nonce = &nonceStatus{Pending: h.nonces.GetPendingCount()}
		if next, err := h.nonces.GetCurrentNonce(ctx); err != nil {
			logger.Warn("status nonce lookup failed", zap.Error(err))
		} else {
			resp.Nonce.Next = &next
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// serveAttempt 按 tx_hash 与 log_index 查询账本记录
func (h *statusHandler) serveAttempt(w http.ResponseWriter, r *http.Request) {
	txHash := r.URL.Query().Get("tx_hash")
	if len(common.FromHex(txHash)) != common.HashLength {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tx_hash"})
		return
	}
	logIndex, err := strconv.ParseUint(r.URL.Query().Get("log_index"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid log_index"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusQueryTimeout)
	defer cancel()

	key := model.EventKey{TxHash: common.HexToHash(txHash), LogIndex: uint(logIndex)}
	attempt, err := h.ledger.Get(ctx, key)
	if err != nil {
		logger.Warn("attempt lookup failed", zap.String("event_key", key.String()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ledger unavailable"})
		return
	}
	if attempt == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func chainStatusOf(r endpointReporter) *chainStatus {
	if r == nil {
		return nil
	}
	return &chainStatus{Healthy: r.HealthyEndpoints(), Endpoints: r.Endpoints()}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
