package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/score-agent/internal/errors"
	"github.com/score-agent/internal/logging"
	"github.com/score-agent/internal/models"
	"github.com/score-agent/internal/scoring"
	"github.com/score-agent/internal/storage"
	"github.com/score-agent/internal/types"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// ScoreResponse is the stored account alongside a freshly computed breakdown
type ScoreResponse struct {
	Account   *models.Account   `json:"account"`
	Breakdown scoring.Breakdown `json:"breakdown"`
	Cached    bool              `json:"cached"`
}

// TierDistributionResponse counts accounts per tier
type TierDistributionResponse struct {
	Tiers map[types.Tier]int64 `json:"tiers"`
	Total int64                `json:"total"`
}

// parseLimit reads ?limit=, falling back to the default on absent or unparsable input
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, apperrors.NewInvalidParameterError("limit", "must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

// addressParam validates and normalizes the {address} route variable
func addressParam(r *http.Request) (string, error) {
	address := mux.Vars(r)["address"]
	if err := types.ValidateAddress(address); err != nil {
		return "", err
	}
	return types.NormalizeAddress(address), nil
}

// handleGetScore handles GET /api/scores/{address}
func (s *Server) handleGetScore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address, err := addressParam(r)
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	account, err := s.store.AccountBy(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		respondAppError(w, r, apperrors.NewNotFoundError("account", address))
		return
	}
	if err != nil {
		respondAppError(w, r, apperrors.NewDatabaseError("get account", err))
		return
	}

	resp := ScoreResponse{Account: account}
	key := storage.BreakdownKey(address)
	if s.cache != nil {
		found, err := s.cache.GetJSON(ctx, key, &resp.Breakdown)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Debug("Breakdown cache read failed")
		}
		if found && err == nil {
			resp.Cached = true
			respondJSON(w, http.StatusOK, resp)
			return
		}
	}

	mints, err := s.store.MintsFor(ctx, address)
	if err != nil {
		respondAppError(w, r, apperrors.NewDatabaseError("get mints", err))
		return
	}
	linked, err := s.store.LinkedWalletsFor(ctx, address)
	if err != nil {
		respondAppError(w, r, apperrors.NewDatabaseError("get linked wallets", err))
		return
	}

	resp.Breakdown = s.calculator.CalculateBreakdown(scoring.Input{
		FirstTxTimestamp: account.FirstTxTimestamp,
		Mints:            mints,
		LinkedWallets:    linked,
	})

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, resp.Breakdown, s.config.CacheTTL); err != nil {
			logging.FromContext(ctx).WithError(err).Debug("Breakdown cache write failed")
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleGetSnapshots handles GET /api/accounts/{address}/snapshots
func (s *Server) handleGetSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		respondAppError(w, r, apperrors.NewServiceUnavailableError("snapshots"))
		return
	}
	address, err := addressParam(r)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	snapshots, err := s.snapshots.SnapshotsFor(r.Context(), address, limit)
	if err != nil {
		respondAppError(w, r, apperrors.NewDatabaseError("get snapshots", err))
		return
	}
	if snapshots == nil {
		snapshots = []models.ScoreSnapshot{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"address":   address,
		"snapshots": snapshots,
	})
}

// handleTierDistribution handles GET /api/tiers. Every tier is present, zero-filled.
func (s *Server) handleTierDistribution(w http.ResponseWriter, r *http.Request) {
	dist, err := s.store.TierDistribution(r.Context())
	if err != nil {
		respondAppError(w, r, apperrors.NewDatabaseError("tier distribution", err))
		return
	}

	resp := TierDistributionResponse{Tiers: make(map[types.Tier]int64, len(types.AllTiers))}
	for _, tier := range types.AllTiers {
		resp.Tiers[tier] = dist[tier]
		resp.Total += dist[tier]
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleLeaderboard handles GET /api/leaderboard?limit=
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	accounts, err := s.store.TopAccounts(r.Context(), limit)
	if err != nil {
		respondAppError(w, r, apperrors.NewDatabaseError("top accounts", err))
		return
	}
	if accounts == nil {
		accounts = []models.Account{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"limit":    limit,
	})
}

// handleEarlyMinters handles GET /api/early-minters
func (s *Server) handleEarlyMinters(w http.ResponseWriter, r *http.Request) {
	minters, err := s.store.EarlyMinters(r.Context())
	if err != nil {
		respondAppError(w, r, apperrors.NewDatabaseError("early minters", err))
		return
	}
	if minters == nil {
		minters = []models.EarlyMinter{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"minters": minters,
	})
}

// handleBatches handles GET /api/batches?limit=
func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		respondAppError(w, r, apperrors.NewServiceUnavailableError("batch journal"))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	batches, err := s.batches.Recent(limit)
	if err != nil {
		respondAppError(w, r, apperrors.NewInternalError("read batch journal", err))
		return
	}
	if batches == nil {
		batches = []models.BatchRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
	})
}

// handleAgentStatus handles GET /api/agent/status
func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		respondAppError(w, r, apperrors.NewServiceUnavailableError("agent"))
		return
	}
	respondJSON(w, http.StatusOK, s.agent.GetStatus())
}
