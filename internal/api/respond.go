package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/pkg/logger"
)

const maxBodySize = 1 << 20

type errorEnvelope struct {
	Error  errorDetail `json:"error"`
	Detail string      `json:"detail"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L().Warn("response encode failed", slog.Any("error", err))
	}
}

func writeErrorCode(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, errorEnvelope{
		Error:  errorDetail{Code: string(code), Message: message},
		Detail: message,
	})
}

// writeError maps err onto the envelope. Coded errors keep their status and
// message; anything else is a 500 whose details stay in the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	coded, ok := xerrors.From(err)
	if !ok {
		logger.L().Error("unhandled error",
			slog.String("path", r.URL.Path),
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.Any("error", err),
		)
		writeErrorCode(w, http.StatusInternalServerError, xerrors.CodeUnknown, "Internal server error")
		return
	}
	status := coded.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger.L().Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", string(coded.Code())),
			slog.Any("error", err),
		)
	}
	writeErrorCode(w, status, coded.Code(), coded.Message())
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "request body is empty")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid JSON body")
	}
	return nil
}
