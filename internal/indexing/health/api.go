package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/infra/storage"
)

type scanRequest struct {
	FromBlock *uint64 `json:"fromBlock"`
	ToBlock   *uint64 `json:"toBlock"`
}

type scanningRequest struct {
	Enabled *bool `json:"enabled"`
}

type activeRequest struct {
	Active *bool `json:"active"`
}

func pathChainID(r *http.Request) (domain.ChainID, error) {
	return domain.ParseChainID(r.PathValue("chainId"))
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.ValidationError("decode request", "invalid request body: "+err.Error())
	}
	return nil
}

// Scanners

func (s *Server) handleListScanners(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.deps.Scanners.Status(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, "", statuses)
}

func (s *Server) handleGetScanner(w http.ResponseWriter, r *http.Request) {
	chainID, err := pathChainID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	st, err := s.deps.Scanners.ScannerStatus(r.Context(), chainID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, "", st)
}

func (s *Server) handleStartScanner(w http.ResponseWriter, r *http.Request) {
	chainID, err := pathChainID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.deps.Scanners.StartScanner(r.Context(), chainID); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, fmt.Sprintf("Event scanner started for chain %d", chainID), map[string]any{
		"chainId":   chainID,
		"startedAt": s.now(),
	})
}

func (s *Server) handleStopScanner(w http.ResponseWriter, r *http.Request) {
	chainID, err := pathChainID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.deps.Scanners.StopScanner(r.Context(), chainID); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, fmt.Sprintf("Event scanner stopped for chain %d", chainID), map[string]any{
		"chainId":   chainID,
		"stoppedAt": s.now(),
	})
}

func (s *Server) handleScanRange(w http.ResponseWriter, r *http.Request) {
	chainID, err := pathChainID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	var req scanRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if req.FromBlock == nil || req.ToBlock == nil {
		writeError(w, s.log, domain.ValidationError("scan range", "fromBlock and toBlock are required"))
		return
	}

	res, err := s.deps.Scanners.ScanRange(r.Context(), chainID, *req.FromBlock, *req.ToBlock)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w,
		fmt.Sprintf("Successfully scanned blocks %d to %d for chain %d", res.FromBlock, res.ToBlock, chainID),
		map[string]any{
			"chainId":       chainID,
			"fromBlock":     res.FromBlock,
			"toBlock":       res.ToBlock,
			"blocksScanned": res.ToBlock - res.FromBlock,
			"eventsFound":   res.Found,
			"eventsAdded":   res.Inserted,
			"scannedAt":     s.now(),
		},
	)
}

func (s *Server) handleRequeueGaps(w http.ResponseWriter, r *http.Request) {
	chainID, err := pathChainID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	n, err := s.deps.Scanners.RequeueFailedGaps(r.Context(), chainID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, "", map[string]any{"chainId": chainID, "requeued": n})
}

// Events

func (s *Server) handleIntegrators(w http.ResponseWriter, r *http.Request) {
	integrators, err := s.deps.Events.DistinctIntegrators(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if integrators == nil {
		integrators = []string{}
	}
	writeData(w, "", integrators)
}

func (s *Server) handleEventsByIntegrator(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(r.PathValue("integrator"), r.URL.Query())
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	page, err := s.deps.Events.FindByIntegrator(r.Context(), q)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if page.Total == 0 {
		writeError(w, s.log, fmt.Errorf("integrator %s: %w", q.Integrator, domain.ErrEventsNotFound))
		return
	}
	writeData(w, "", page)
}

func parseEventQuery(integrator string, v url.Values) (storage.EventQuery, error) {
	const op = "event query"

	if !common.IsHexAddress(integrator) {
		return storage.EventQuery{}, domain.ValidationError(op, "integrator must be a valid address")
	}
	q := storage.EventQuery{
		Integrator: strings.ToLower(integrator),
		SortBy:     storage.SortField(v.Get("sortBy")),
		SortOrder:  storage.SortOrder(v.Get("sortOrder")),
	}

	if raw := v.Get("chainId"); raw != "" {
		id, err := domain.ParseChainID(raw)
		if err != nil {
			return q, err
		}
		q.ChainID = &id
	}
	if raw := v.Get("token"); raw != "" {
		if !common.IsHexAddress(raw) {
			return q, domain.ValidationError(op, "token must be a valid address")
		}
		q.Token = strings.ToLower(raw)
	}

	var err error
	if q.FromBlock, err = optionalBlock(v, "fromBlock"); err != nil {
		return q, err
	}
	if q.ToBlock, err = optionalBlock(v, "toBlock"); err != nil {
		return q, err
	}

	if raw := v.Get("page"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p < 1 {
			return q, domain.ValidationError(op, "page must be a positive integer")
		}
		q.Page = p
	}
	if raw := v.Get("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l < 1 || l > storage.MaxPageLimit {
			return q, domain.ValidationError(op, "limit must be between 1 and 1000")
		}
		q.Limit = l
	}

	return q, q.Normalize()
}

func optionalBlock(v url.Values, name string) (*uint64, error) {
	raw := v.Get(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, domain.ValidationError("event query", name+" must be a non-negative integer")
	}
	return &n, nil
}

// Blockchains

func (s *Server) handleListBlockchains(w http.ResponseWriter, r *http.Request) {
	chains, err := s.deps.Chains.List(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if chains == nil {
		chains = []*domain.Blockchain{}
	}
	writeData(w, "", chains)
}

func (s *Server) handleGetBlockchain(w http.ResponseWriter, r *http.Request) {
	chainID, err := pathChainID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	bc, err := s.deps.Chains.Resolve(r.Context(), chainID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, "", bc)
}

func (s *Server) handleSetScanning(w http.ResponseWriter, r *http.Request) {
	chainID, err := pathChainID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var req scanningRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, s.log, domain.ValidationError("set scanning", "enabled is required"))
		return
	}
	if err := s.deps.Chains.SetScanEnabled(r.Context(), chainID, *req.Enabled); err != nil {
		writeError(w, s.log, err)
		return
	}
	s.respondBlockchain(w, r, chainID)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	chainID, err := pathChainID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var req activeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if req.Active == nil {
		writeError(w, s.log, domain.ValidationError("set active", "active is required"))
		return
	}
	if err := s.deps.Chains.SetActive(r.Context(), chainID, *req.Active); err != nil {
		writeError(w, s.log, err)
		return
	}
	s.respondBlockchain(w, r, chainID)
}

func (s *Server) respondBlockchain(w http.ResponseWriter, r *http.Request, chainID domain.ChainID) {
	bc, err := s.deps.Chains.Resolve(r.Context(), chainID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeData(w, "", bc)
}
