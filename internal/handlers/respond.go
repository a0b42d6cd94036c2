package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/middleware"
	"github.com/pliu/chatty/internal/pipeline"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    apperr.Kind `json:"code"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status and a stable error body. Wrapped causes
// are logged, never returned.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind == apperr.KindThrottled {
		secs := int(math.Ceil(ae.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			"path", r.URL.Path,
			"kind", kind,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
			"error", err)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: kind, Message: apperr.Message(err)}})
}

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.BadRequest("invalid request")
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag())
	}
	return apperr.BadRequest("%s", strings.Join(msgs, "; "))
}

func callerOf(r *http.Request) pipeline.Caller {
	return pipeline.Caller{
		Origin: middleware.ClientIP(r),
		UserID: middleware.UserID(r.Context()),
	}
}

func chatroomID(r *http.Request) int {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	return id
}

type handlerFunc func(ctx context.Context, call *pipeline.Call) (any, error)

// serve runs fn behind the pipeline for op and writes its result with status.
func serve(w http.ResponseWriter, r *http.Request, p *pipeline.Pipeline, logger *slog.Logger, op pipeline.Operation, roomID, status int, fn handlerFunc) {
	var out any
	call := &pipeline.Call{Op: op, Caller: callerOf(r), ChatroomID: roomID}
	err := p.Run(r.Context(), call, func(ctx context.Context, call *pipeline.Call) error {
		v, err := fn(ctx, call)
		out = v
		return err
	})
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, status, out)
}
