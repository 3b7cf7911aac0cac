package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/audit"
	"github.com/regression-io/stratum/internal/orchestration"
)

// defaultMaxBodyBytes limits request bodies when no limit is configured (4MB).
const defaultMaxBodyBytes = 4 * 1024 * 1024

// driveRetention controls how long ended background drives are tracked.
const driveRetention = time.Hour

// Handlers contains the HTTP handler methods for the API.
type Handlers struct {
	coord   *orchestration.Coordinator
	runner  *orchestration.Runner
	specs   *SpecStore
	drives  *DriveStore
	logger  *slog.Logger
	maxBody int64
}

// NewHandlers creates a new Handlers instance. runner may be nil, in which
// case runs are only driven by their callers. maxBody <= 0 selects the
// default limit.
func NewHandlers(coord *orchestration.Coordinator, runner *orchestration.Runner, specs *SpecStore, logger *slog.Logger, maxBody int64) *Handlers {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Handlers{
		coord:   coord,
		runner:  runner,
		specs:   specs,
		drives:  NewDriveStore(),
		logger:  logger,
		maxBody: maxBody,
	}
}

// HandleValidate handles POST /api/v1/validate. The body is the raw spec
// document. An invalid spec is not a request error: the response lists every
// issue with valid=false.
func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	compiled, err := h.compile(body)
	var verr *contracts.SpecValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusOK, ValidateResponse{Valid: false, Issues: verr.Issues})
	case err != nil:
		WriteError(w, err)
	default:
		writeJSON(w, http.StatusOK, ValidateResponse{Valid: true, Flows: flowNames(compiled)})
	}
}

// HandleRegisterSpec handles POST /api/v1/specs.
func (h *Handlers) HandleRegisterSpec(w http.ResponseWriter, r *http.Request) {
	var req RegisterSpecRequest
	if err := h.decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Name == "" {
		WriteError(w, fmt.Errorf("name is required: %w", contracts.ErrInvalidInput))
		return
	}

	compiled, err := h.compile([]byte(req.Document))
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.specs.Put(req.Name, compiled); err != nil {
		WriteError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "spec registered", "spec", req.Name, "flows", len(compiled.Flows))

	resp, err := h.specs.Describe(req.Name)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// HandleListSpecs handles GET /api/v1/specs.
func (h *Handlers) HandleListSpecs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.specs.List())
}

// HandleStartRun handles POST /api/v1/runs. Without drive the response lists
// the ready steps for the caller to execute; with drive the server executes
// them in the background and responds 202 with the first outcome.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := h.decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Spec == "" || req.Flow == "" {
		WriteError(w, fmt.Errorf("spec and flow are required: %w", contracts.ErrInvalidInput))
		return
	}
	if req.Drive && h.runner == nil {
		WriteError(w, fmt.Errorf("server has no executor to drive runs: %w", contracts.ErrInvalidInput))
		return
	}

	spec, err := h.specs.Get(req.Spec)
	if err != nil {
		WriteError(w, err)
		return
	}

	// The run outlives the request.
	out, err := h.coord.Plan(context.WithoutCancel(r.Context()), spec, req.Flow, req.Inputs, req.ToPlanOptions())
	if err != nil {
		WriteError(w, err)
		return
	}

	if !req.Drive {
		writeJSON(w, http.StatusCreated, out)
		return
	}

	h.drives.PruneCompleted(driveRetention)
	if err := h.startDrive(out); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

// HandleStepDone handles POST /api/v1/runs/{id}/steps/{step}/done.
func (h *Handlers) HandleStepDone(w http.ResponseWriter, r *http.Request) {
	runID, stepID, err := pathIDs(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req StepDoneRequest
	if err := h.decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	var out contracts.Outcome
	if req.Error != "" {
		out, err = h.coord.StepFailed(ctx, runID, stepID, req.Usage(),
			&contracts.ProviderError{StepID: stepID, Attempts: 1, Err: errors.New(req.Error)})
	} else {
		out, err = h.coord.StepDone(ctx, runID, stepID, req.ToReport())
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleResume handles POST /api/v1/runs/{id}/steps/{step}/resume. An
// expired suspension answers 410 with the run failed. A run the server was
// driving is driven again once resumed.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	runID, stepID, err := pathIDs(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var req ResumeRequest
	if err := h.decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	out, err := h.coord.Resume(context.WithoutCancel(r.Context()), runID, stepID, req.Value,
		orchestration.ResumeOptions{Validate: req.Validate})
	if err != nil {
		WriteError(w, err)
		return
	}

	if h.runner != nil && h.drives.Done(runID) != nil && !h.drives.Active(runID) && len(out.Ready) > 0 {
		if err := h.startDrive(out); err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetRun handles GET /api/v1/runs/{id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := contracts.RunID(r.PathValue("id"))
	if runID == "" {
		WriteError(w, fmt.Errorf("missing run ID: %w", contracts.ErrInvalidInput))
		return
	}

	snap, err := h.coord.Snapshot(runID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleAudit handles GET /api/v1/runs/{id}/audit?step=&retries=.
func (h *Handlers) HandleAudit(w http.ResponseWriter, r *http.Request) {
	runID := contracts.RunID(r.PathValue("id"))
	if runID == "" {
		WriteError(w, fmt.Errorf("missing run ID: %w", contracts.ErrInvalidInput))
		return
	}

	q := contracts.AuditQuery{StepID: contracts.StepID(r.URL.Query().Get("step"))}
	if raw := r.URL.Query().Get("retries"); raw != "" {
		retries, err := strconv.ParseBool(raw)
		if err != nil {
			WriteError(w, fmt.Errorf("retries must be a boolean: %w", contracts.ErrInvalidInput))
			return
		}
		q.RetriesOnly = retries
	}

	attempts, err := h.coord.Audit(r.Context(), runID, q)
	if err != nil {
		WriteError(w, err)
		return
	}
	if attempts == nil {
		attempts = []contracts.Attempt{}
	}
	writeJSON(w, http.StatusOK, AuditResponse{
		RunID:    runID,
		Attempts: attempts,
		Patterns: PatternsToDTO(audit.Patterns(attempts)),
	})
}

// startDrive executes out in the background until the run stops.
func (h *Handlers) startDrive(out contracts.Outcome) error {
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.drives.Start(out.RunID, cancel); err != nil {
		cancel()
		return err
	}
	go func() {
		defer cancel()
		last, err := h.runner.Drive(ctx, out)
		if err != nil {
			h.logger.Error("drive ended with error", "run_id", out.RunID, "error", err)
		} else {
			h.logger.Info("drive ended", "run_id", out.RunID, "status", last.Status)
		}
		h.drives.MarkDone(out.RunID, err)
	}()
	return nil
}

func (h *Handlers) compile(doc []byte) (*config.Compiled, error) {
	spec, err := config.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", contracts.ErrInvalidInput, err)
	}
	return h.coord.Compile(spec)
}

// readBody reads the request body with the size limit to prevent memory
// exhaustion.
func (h *Handlers) readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", contracts.ErrInvalidInput)
	}
	if int64(len(body)) > h.maxBody {
		return nil, fmt.Errorf("max %d bytes: %w", h.maxBody, ErrBodyTooLarge)
	}
	return body, nil
}

func (h *Handlers) decode(r *http.Request, v any) error {
	body, err := h.readBody(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", contracts.ErrInvalidInput)
	}
	return nil
}

func pathIDs(r *http.Request) (contracts.RunID, contracts.StepID, error) {
	runID, stepID := r.PathValue("id"), r.PathValue("step")
	if runID == "" || stepID == "" {
		return "", "", fmt.Errorf("missing run or step ID: %w", contracts.ErrInvalidInput)
	}
	return contracts.RunID(runID), contracts.StepID(stepID), nil
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The header is sent; an encoding error cannot be reported to the client.
	_ = json.NewEncoder(w).Encode(v)
}
