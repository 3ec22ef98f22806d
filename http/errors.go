package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	x402 "github.com/x402-foundation/x402-tabs"
)

// StatusFor maps an error onto its HTTP status.
func StatusFor(err error) int {
	var pe *x402.PaymentError
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError
	}
	switch pe.Code {
	case x402.ErrCodeNotFound:
		return http.StatusNotFound
	case x402.ErrCodeInvalidState,
		x402.ErrCodeValidation,
		x402.ErrCodeHeaderFormat,
		x402.ErrCodeNoUnsettledPayments,
		x402.ErrCodeRefundInProgress,
		x402.ErrCodeAmountExceedsPayment,
		x402.ErrCodePaymentExpired,
		x402.ErrCodeSponsorshipUnavailable:
		return http.StatusBadRequest
	case x402.ErrCodeNotConfigured:
		return http.StatusServiceUnavailable
	case x402.ErrCodeChainRead, x402.ErrCodeSettlementFailed, x402.ErrCodeRefundFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorBody renders err. Internal errors keep their message out of the body.
func errorBody(c *gin.Context, err error) gin.H {
	body := gin.H{"traceId": traceID(c)}
	var pe *x402.PaymentError
	if errors.As(err, &pe) {
		body["error"] = pe.Code
		body["message"] = pe.Error()
		if len(pe.Details) > 0 {
			body["details"] = pe.Details
		}
		return body
	}
	body["error"] = "internal_error"
	body["message"] = "internal server error"
	return body
}

// fail aborts with err; extra fields are merged into the body.
func (s *Server) fail(c *gin.Context, err error, extra gin.H) {
	status := StatusFor(err)
	span := trace.SpanFromContext(c.Request.Context())
	if status >= http.StatusInternalServerError {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}

	body := errorBody(c, err)
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(status, body)
}

// bind decodes the JSON body, reporting failures as validation errors.
func (s *Server) bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		s.fail(c, x402.NewValidationError("invalid request body: %v", err), nil)
		return false
	}
	return true
}

func traceID(c *gin.Context) string {
	sc := trace.SpanFromContext(c.Request.Context()).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
