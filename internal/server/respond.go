package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"

	"parkpay/internal/payment"
)

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	UpstreamStatus int    `json:"upstreamStatus,omitempty"`
	Details        any    `json:"details,omitempty"`
}

type errorDetails struct {
	UpstreamBody string            `json:"upstreamBody,omitempty"`
	Attempts     []payment.Attempt `json:"attempts,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"success":false,"error":{"code":"INTERNAL","message":"encode response"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, e apiError) {
	writeJSON(w, status, envelope{Error: &e})
}

// writeFailure maps an orchestrator error onto the envelope. Upstream
// details are only exposed outside production.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	e := apiError{Code: string(errorCode(err)), Message: err.Error()}

	var perr *payment.Error
	if errors.As(err, &perr) {
		e.Message = perr.Message
		e.UpstreamStatus = perr.Status
		if !s.cfg.IsProduction() && (perr.Body != "" || len(perr.Attempts) > 0) {
			e.Details = errorDetails{UpstreamBody: perr.Body, Attempts: perr.Attempts}
		}
	}
	if status >= http.StatusInternalServerError {
		s.log.Sugar().Errorw("operation failed", "code", e.Code, "status", status, "error", err)
	}
	writeError(w, status, e)
}

func statusFor(err error) int {
	var perr *payment.Error
	if errors.As(err, &perr) {
		switch perr.Code {
		case payment.CodeInvalidInput:
			return http.StatusBadRequest
		case payment.CodePaymentNotPayable:
			return http.StatusConflict
		case payment.CodeNotFound:
			return http.StatusNotFound
		}
		if perr.Status >= 400 && perr.Status < 500 {
			return perr.Status
		}
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func errorCode(err error) payment.ErrorCode {
	var perr *payment.Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}
	return "INTERNAL"
}

// decode reads an optional JSON body. An empty body leaves dst untouched.
func decode(r *http.Request, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return sonic.Unmarshal(body, dst)
}
