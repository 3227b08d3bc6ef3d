package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/api"
	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/participant"
	"pkt.systems/domainctl/internal/storage"
)

// handleOperation godoc
// @Summary      Execute a management operation
// @Description  Routes the operation to the local controller, a single remote host, or a two-phase domain-wide rollout. Failures are reported inside the result with HTTP 200; only malformed requests fail at the HTTP layer.
// @Tags         operation
// @Accept       json
// @Produce      json
// @Param        X-Domainctl-Operation-Id  header  string  false  "Correlation identifier propagated to every participant"
// @Param        request  body      api.OperationRequest  true  "Operation to execute"
// @Success      200      {object}  mgmt.Result
// @Failure      400      {object}  api.ErrorResponse
// @Router       /v1/operation [post]
func (h *Handler) handleOperation(w http.ResponseWriter, r *http.Request) error {
	var req api.OperationRequest
	if err := h.decodeRequest(r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Operation.Name) == "" {
		return httpError{Status: http.StatusBadRequest, Code: mgmt.CodeInvalidOperation, Detail: "operation name required"}
	}
	res := h.coordinator.Execute(r.Context(), req.Operation)
	writeJSON(w, http.StatusOK, res)
	return nil
}

// handlePrepare godoc
// @Summary      Prepare an operation on a local participant
// @Description  Stages the operation on the host controller or one of its managed servers. A prepared change is held until commit or rollback names its tx_id, or until the pending timeout rolls it back.
// @Tags         participant
// @Accept       json
// @Produce      json
// @Param        request  body      api.PrepareRequest  true  "Operation and target server"
// @Success      200      {object}  api.PrepareResponse
// @Failure      400      {object}  api.ErrorResponse
// @Failure      404      {object}  api.ErrorResponse
// @Router       /v1/participant/prepare [post]
func (h *Handler) handlePrepare(w http.ResponseWriter, r *http.Request) error {
	var req api.PrepareRequest
	if err := h.decodeRequest(r, &req); err != nil {
		return err
	}
	proxy, err := h.participant(req.Server)
	if err != nil {
		return err
	}
	ctx := r.Context()
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	if err := h.pullContent(ctx, req.Operation); err != nil {
		return err
	}
	ctl := &captureControl{logger: logger.With("server", req.Server)}
	if err := proxy.Execute(ctx, req.Operation, nil, ctl); err != nil {
		return err
	}
	state, tx, res, ok := ctl.outcome()
	if !ok {
		return &mgmt.ParticipantError{ID: proxy.ID(), Kind: mgmt.FailureParticipant, Err: errors.New("participant did not report")}
	}
	resp := api.PrepareResponse{State: state, Result: res}
	if tx != nil {
		if ctx.Err() != nil {
			// The coordinator is gone; nobody will ever decide.
			if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("participant.tx.abandoned.rollback_error", "server", req.Server, "operation", req.Operation.Name, "error", err)
			}
			return ctx.Err()
		}
		resp.TxID = h.pending.add(req.Server, tx)
		logger.Debug("participant.tx.prepared", "tx_id", resp.TxID, "server", req.Server, "operation", req.Operation.Name)
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

// handleCommit godoc
// @Summary      Commit a prepared transaction
// @Tags         participant
// @Accept       json
// @Produce      json
// @Param        request  body      api.DecisionRequest  true  "Transaction to commit"
// @Success      200      {object}  api.DecisionResponse
// @Failure      404      {object}  api.ErrorResponse
// @Router       /v1/participant/commit [post]
func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) error {
	return h.handleDecision(w, r, true)
}

// handleRollback godoc
// @Summary      Roll back a prepared transaction
// @Tags         participant
// @Accept       json
// @Produce      json
// @Param        request  body      api.DecisionRequest  true  "Transaction to roll back"
// @Success      200      {object}  api.DecisionResponse
// @Failure      404      {object}  api.ErrorResponse
// @Router       /v1/participant/rollback [post]
func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) error {
	return h.handleDecision(w, r, false)
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request, commit bool) error {
	var req api.DecisionRequest
	if err := h.decodeRequest(r, &req); err != nil {
		return err
	}
	if req.TxID == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_tx_id", Detail: "tx_id required"}
	}
	err := h.pending.decide(context.WithoutCancel(r.Context()), req.TxID, commit)
	if errors.Is(err, errUnknownTx) {
		return httpError{Status: http.StatusNotFound, Code: "unknown_transaction", Detail: req.TxID}
	}
	if err != nil {
		return err
	}
	state := "committed"
	if !commit {
		state = "rolled-back"
	}
	writeJSON(w, http.StatusOK, api.DecisionResponse{TxID: req.TxID, State: state})
	return nil
}

// handleExecute godoc
// @Summary      Execute an operation on a local participant without coordination
// @Description  An empty server runs the operation through this host's coordinator; otherwise the named managed server executes and commits it directly.
// @Tags         participant
// @Accept       json
// @Produce      json
// @Param        request  body      api.PrepareRequest  true  "Operation and target server"
// @Success      200      {object}  mgmt.Result
// @Failure      404      {object}  api.ErrorResponse
// @Router       /v1/participant/execute [post]
func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) error {
	var req api.PrepareRequest
	if err := h.decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.pullContent(r.Context(), req.Operation); err != nil {
		return err
	}
	if req.Server == "" {
		writeJSON(w, http.StatusOK, h.coordinator.Execute(r.Context(), req.Operation))
		return nil
	}
	proxy, err := h.participant(req.Server)
	if err != nil {
		return err
	}
	direct, ok := proxy.(participant.DirectExecutor)
	if !ok {
		return httpError{Status: http.StatusNotImplemented, Code: "direct_unsupported", Detail: req.Server}
	}
	res, err := direct.ExecuteDirect(r.Context(), req.Operation)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

// handleContent godoc
// @Summary      Store or fetch deployment content
// @Description  PUT stores the raw request body and returns its sha256 hash. GET streams the content identified by the hash query parameter.
// @Tags         content
// @Accept       octet-stream
// @Produce      json
// @Param        hash  query  string  false  "Content hash (GET only)"
// @Success      200   {object}  api.ContentResponse
// @Failure      404   {object}  api.ErrorResponse
// @Router       /v1/content [put]
// @Router       /v1/content [get]
func (h *Handler) handleContent(w http.ResponseWriter, r *http.Request) error {
	if h.content == nil {
		return httpError{Status: http.StatusNotImplemented, Code: "content_unavailable", Detail: "no content repository configured"}
	}
	switch r.Method {
	case http.MethodPut, http.MethodPost:
		return h.storeContent(w, r)
	case http.MethodGet:
		return h.fetchContent(w, r)
	default:
		w.Header().Set("Allow", "GET, PUT")
		return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: "supported methods: GET, PUT"}
	}
}

func (h *Handler) storeContent(w http.ResponseWriter, r *http.Request) error {
	body := &countingReader{r: r.Body}
	var src io.Reader = body
	if h.contentLimit > 0 {
		src = http.MaxBytesReader(nil, io.NopCloser(body), h.contentLimit)
	}
	hash, err := h.content.Store(r.Context(), src)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{Status: http.StatusRequestEntityTooLarge, Code: "content_too_large", Detail: "limit " + humanize.IBytes(uint64(h.contentLimit))}
		}
		return &mgmt.ContentStorageError{Err: err}
	}
	writeJSON(w, http.StatusOK, api.ContentResponse{Hash: hash, Size: body.n})
	return nil
}

func (h *Handler) fetchContent(w http.ResponseWriter, r *http.Request) error {
	hash := strings.TrimSpace(r.URL.Query().Get("hash"))
	if hash == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_hash", Detail: "hash query parameter required"}
	}
	rc, err := h.content.Open(r.Context(), hash)
	if errors.Is(err, storage.ErrNotFound) {
		return httpError{Status: http.StatusNotFound, Code: "content_not_found", Detail: hash}
	}
	if err != nil {
		return &mgmt.ContentStorageError{Err: err}
	}
	defer rc.Close()
	w.Header().Set("Content-Type", storage.ContentTypeOctetStream)
	w.WriteHeader(http.StatusOK)
	_, err = io.Copy(w, rc)
	if err != nil {
		pslog.LoggerFromContext(r.Context()).Debug("content.fetch.copy_error", "hash", hash, "error", err)
	}
	return nil
}

// handleHosts godoc
// @Summary      List the hosts of the domain
// @Tags         topology
// @Produce      json
// @Success      200  {object}  api.HostsResponse
// @Router       /v1/hosts [get]
func (h *Handler) handleHosts(w http.ResponseWriter, _ *http.Request) error {
	resp := api.HostsResponse{Hosts: []api.HostInfo{}}
	if h.hosts != nil {
		resp.Hosts = h.hosts.HostInfos()
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

// pullContent fetches the content op references but this host lacks from
// the content source.
func (h *Handler) pullContent(ctx context.Context, op mgmt.Operation) error {
	if h.content == nil || h.contentSource == nil {
		return nil
	}
	src, ok := h.contentSource.MasterContent()
	if !ok {
		return nil
	}
	fetched, err := h.content.Pull(ctx, src, op)
	if err != nil {
		return &mgmt.ContentStorageError{Err: err}
	}
	if len(fetched) > 0 {
		pslog.LoggerFromContext(ctx).Debug("content.pull.complete", "operation", op.Name, "hashes", fetched)
	}
	return nil
}

func (h *Handler) participant(server string) (participant.Proxy, error) {
	proxy, ok := h.participants.Participant(server)
	if !ok {
		return nil, httpError{Status: http.StatusNotFound, Code: "unknown_participant", Detail: "no managed server " + server}
	}
	return proxy, nil
}

// captureControl records the single report of a Proxy.Execute call. A
// transaction reported after the first report is rolled back.
type captureControl struct {
	logger pslog.Logger

	mu     sync.Mutex
	done   bool
	state  string
	tx     participant.Transaction
	result mgmt.Result
}

func (c *captureControl) report(state string, tx participant.Transaction, res mgmt.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		if tx != nil {
			if err := tx.Rollback(context.Background()); err != nil {
				c.logger.Warn("participant.tx.extra_report.rollback_error", "state", state, "error", err)
			}
		}
		return
	}
	c.done = true
	c.state = state
	c.tx = tx
	c.result = res
}

func (c *captureControl) Prepared(tx participant.Transaction, res mgmt.Result) {
	c.report(api.StatePrepared, tx, res)
}

func (c *captureControl) Failed(res mgmt.Result) { c.report(api.StateFailed, nil, res) }

func (c *captureControl) Completed(res mgmt.Result) { c.report(api.StateCompleted, nil, res) }

func (c *captureControl) outcome() (string, participant.Transaction, mgmt.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.tx, c.result, c.done
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
