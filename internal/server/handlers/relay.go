package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/textgate/textgate/internal/core"
	apperrors "github.com/textgate/textgate/internal/errors"
	"github.com/textgate/textgate/internal/relay"
)

// maxBodyBytes caps inbound payloads.
const maxBodyBytes = 1 << 20

// RelayService is what the relay endpoints need from the relay package.
type RelayService interface {
	Join(ctx context.Context, payload []byte) (json.RawMessage, error)
	QueueData(ctx context.Context, sessionHash string) ([]string, error)
	QueueResult(ctx context.Context, sessionHash string) (*core.PolledResult, error)
	Humanize(ctx context.Context, payload []byte) (*relay.HumanizeResult, error)
	Detect(ctx context.Context, payload []byte) (json.RawMessage, error)
}

// RelayHandler serves the humanize queue and detection endpoints.
type RelayHandler struct {
	Service RelayService
}

// QueueDataResponse wraps the raw event stream lines.
type QueueDataResponse struct {
	StreamData []string `json:"stream_data"`
}

// JoinQueue handles POST /join_queue.
func (h *RelayHandler) JoinQueue(w http.ResponseWriter, r *http.Request) {
	payload, ok := readBody(w, r)
	if !ok {
		return
	}
	ack, err := h.Service.Join(r.Context(), payload)
	if err != nil {
		respondWithRelayError(w, r, err)
		return
	}
	writeRaw(w, ack)
}

// QueueData handles GET /queue_data/{session_hash}.
func (h *RelayHandler) QueueData(w http.ResponseWriter, r *http.Request) {
	lines, err := h.Service.QueueData(r.Context(), chi.URLParam(r, "session_hash"))
	if err != nil {
		respondWithRelayError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusOK, QueueDataResponse{StreamData: lines})
}

// QueueResult handles GET /queue_result/{session_hash}.
func (h *RelayHandler) QueueResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.Service.QueueResult(r.Context(), chi.URLParam(r, "session_hash"))
	if err != nil {
		respondWithRelayError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusOK, result)
}

// Humanize handles POST /humanize.
func (h *RelayHandler) Humanize(w http.ResponseWriter, r *http.Request) {
	payload, ok := readBody(w, r)
	if !ok {
		return
	}
	result, err := h.Service.Humanize(r.Context(), payload)
	if err != nil {
		respondWithRelayError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusOK, result)
}

// Detect handles POST /zerogpt-test.
func (h *RelayHandler) Detect(w http.ResponseWriter, r *http.Request) {
	payload, ok := readBody(w, r)
	if !ok {
		return
	}
	body, err := h.Service.Detect(r.Context(), payload)
	if err != nil {
		respondWithRelayError(w, r, err)
		return
	}
	writeRaw(w, body)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidJSON(r.Context(), err, "Invalid JSON"))
		return nil, false
	}
	return payload, true
}

// respondWithRelayError converts relay failures into error envelopes. Only
// the relay's caller-facing message reaches the response.
func respondWithRelayError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var rerr *relay.Error
	if !errors.As(err, &rerr) {
		apperrors.RespondWithError(w, r, apperrors.WrapInternal(ctx, err, "Internal server error"))
		return
	}

	switch rerr.Kind {
	case relay.KindInvalidJSON:
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidJSON(ctx, rerr, rerr.Message))
	case relay.KindInvalidShape:
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidShape(ctx, rerr, rerr.Message, rerr.Fields))
	case relay.KindUpstreamUnavailable:
		env := apperrors.WrapUpstreamUnavailable(ctx, rerr, rerr.Message)
		if withReason, ctxErr := env.WithContext(map[string]interface{}{
			"wrapped_error": rerr.Error(),
			"reason":        rerr.Reason,
			"provider":      rerr.Provider,
		}); ctxErr == nil {
			env = withReason
		}
		apperrors.RespondWithError(w, r, env)
	default:
		apperrors.RespondWithError(w, r, apperrors.WrapInternal(ctx, rerr, "Internal server error"))
	}
}

func writeRaw(w http.ResponseWriter, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
