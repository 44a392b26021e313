package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/howard-nolan/chatproxy/internal/chat"
	"github.com/howard-nolan/chatproxy/internal/engine"
	"github.com/howard-nolan/chatproxy/internal/registry"
	"github.com/howard-nolan/chatproxy/internal/stream"
)

// maxBodyBytes caps the size of an inbound chat request.
const maxBodyBytes = 4 << 20

// handleHealth is a liveness check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// handleModels lists every configured model in the OpenAI list shape.
// owned_by names the engine serving it.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.registry.Models()
	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(models))}
	for _, m := range models {
		list.Data = append(list.Data, modelEntry{ID: m, Object: "model", OwnedBy: s.dispatcher.Name(m)})
	}
	writeJSON(w, http.StatusOK, list)
}

// handleChatCompletions serves GET and POST /v1/chat/completions. Both
// methods carry the request as a JSON body.
//
// The request is validated against the registry before any engine runs,
// so an unknown model never reaches a backend.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	// Step 1: read and decode the body. MaxBytesReader fails the read
	// once the limit is passed instead of buffering an unbounded upload.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: reading body: %v", chat.ErrValidation, err))
		return
	}
	req, err := chat.Decode(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Step 2: validate against the registry. Known compares normalized
	// names, so "gpt-3.5-turbo" and "gpt35turbo" are the same model.
	if err := req.Validate(s.registry.Known, s.registry.Models()); err != nil {
		writeError(w, r, err)
		return
	}

	// Step 3: pick the engine and give it a logger that carries the
	// model, engine and mode on every line it writes. zerolog.Ctx reads
	// back the request logger that requestLogger stored in the context.
	eng, err := s.dispatcher.Engine(req.Model)
	if err != nil {
		writeError(w, r, err)
		return
	}
	mode := registry.ModeFor(req.Stream)

	logger := zerolog.Ctx(r.Context()).With().
		Str("model", req.Model).
		Str("engine", eng.Name()).
		Str("mode", string(mode)).
		Logger()
	ctx := logger.WithContext(r.Context())

	// Step 4: answer. Each path writes its own response and reports the
	// status it ended with, which is what the request counter records.
	var status int
	if req.Stream {
		status = s.streamCompletion(ctx, w, r, eng, req)
	} else {
		status = s.jsonCompletion(ctx, w, r, eng, req)
	}
	s.metrics.ObserveRequest(req.Model, eng.Name(), string(mode), status)
}

// jsonCompletion answers with one chat.completion document and returns the
// status it sent.
func (s *Server) jsonCompletion(ctx context.Context, w http.ResponseWriter, r *http.Request, eng engine.Engine, req *chat.Request) int {
	start := time.Now()
	text, err := eng.JSONResponse(ctx, req)
	s.metrics.ObserveUpstream(eng.Name(), string(registry.ModeJSON), time.Since(start))
	if err != nil {
		return writeError(w, r.WithContext(ctx), err)
	}

	tpl := stream.NewTemplate(stream.ObjectCompletion, req.Model, req.Prompt(), false)
	if err := stream.WriteJSON(w, text, tpl); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("writing completion")
	}
	return http.StatusOK
}

// streamCompletion answers with an SSE stream. Failures before the first
// byte get a normal error response; once streaming has begun the status
// is fixed, so a later failure only truncates the stream. The returned
// status reflects the outcome either way.
func (s *Server) streamCompletion(ctx context.Context, w http.ResponseWriter, r *http.Request, eng engine.Engine, req *chat.Request) int {
	logger := zerolog.Ctx(ctx)

	start := time.Now()
	deltas, err := eng.StreamResponse(ctx, req)
	if err != nil {
		s.metrics.ObserveUpstream(eng.Name(), string(registry.ModeStream), time.Since(start))
		return writeError(w, r.WithContext(ctx), err)
	}

	tpl := stream.NewTemplate(stream.ObjectChunk, req.Model, req.Prompt(), true)
	res, err := stream.Write(w, deltas, tpl)
	s.metrics.ObserveUpstream(eng.Name(), string(registry.ModeStream), time.Since(start))
	s.metrics.AddDeltas(eng.Name(), res.Chunks)

	if err != nil {
		return streamFailure(logger, err, res.Chunks)
	}

	logger.Debug().
		Str("id", tpl.ID()).
		Int("chunks", res.Chunks).
		Str("prompt_content", res.Record.PromptContent).
		Str("stream_content", res.Record.StreamContent).
		Msg("stream end")
	return http.StatusOK
}

// statusClientClosed is the nginx convention for "the client hung up before
// we finished". It never reaches the wire; it only labels logs and metrics.
const statusClientClosed = 499

// streamFailure logs a stream that ended early and returns the status it is
// counted under. The upstream read errors wrap both chat.ErrBackend and the
// underlying cause, so a client disconnect (which cancels the request
// context and with it the upstream read) is told apart from a real backend
// failure here.
func streamFailure(logger *zerolog.Logger, err error, chunks int) int {
	if errors.Is(err, context.Canceled) {
		logger.Info().Int("chunks", chunks).Msg("client went away mid-stream")
		return statusClientClosed
	}
	logger.Error().Err(err).Int("chunks", chunks).Msg("stream aborted")
	return chat.StatusCode(err)
}

// errorBody is the OpenAI error shape.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// writeError maps err to a status and an OpenAI error body, logs it, and
// returns the status.
func writeError(w http.ResponseWriter, r *http.Request, err error) int {
	status := chat.StatusCode(err)

	event := zerolog.Ctx(r.Context()).Warn()
	if status >= http.StatusInternalServerError {
		event = zerolog.Ctx(r.Context()).Error()
	}
	event.Err(err).Int("status", status).Msg("request failed")

	writeJSON(w, status, errorBody{Error: errorDetail{
		Message: err.Error(),
		Type:    chat.ErrorType(err),
		Code:    status,
	}})
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
