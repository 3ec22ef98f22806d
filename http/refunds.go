package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/x402-foundation/x402-tabs/internal/refund"
)

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) registerRefunds(rg *gin.RouterGroup) {
	refunds := rg.Group("/refunds")
	refunds.POST("", s.createRefund)
	refunds.GET("/:id", s.getRefund)
	refunds.PUT("/:id/approve", s.approveRefund)
	refunds.PUT("/:id/reject", s.rejectRefund)
	refunds.GET("/:id/permit", s.refundPermit)
	refunds.POST("/:id/process", s.processRefund)
}

func (s *Server) createRefund(c *gin.Context) {
	var req refund.CreateRequest
	if !s.bind(c, &req) {
		return
	}
	r, err := s.deps.Refunds.Create(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (s *Server) getRefund(c *gin.Context) {
	r, err := s.deps.Refunds.FindOne(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) approveRefund(c *gin.Context) {
	r, err := s.deps.Refunds.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) rejectRefund(c *gin.Context) {
	var req rejectRequest
	if c.Request.ContentLength > 0 && !s.bind(c, &req) {
		return
	}
	r, err := s.deps.Refunds.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) refundPermit(c *gin.Context) {
	permit, err := s.deps.Refunds.GetRefundPermitData(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, permit)
}

// processRefund returns the FAILED refund alongside the error when the
// on-chain leg did not go through.
func (s *Server) processRefund(c *gin.Context) {
	var proof refund.Proof
	if !s.bind(c, &proof) {
		return
	}
	r, err := s.deps.Refunds.ProcessRefund(c.Request.Context(), c.Param("id"), proof)
	if err != nil {
		var extra gin.H
		if r != nil {
			extra = gin.H{"refund": r}
		}
		s.fail(c, err, extra)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) paymentRefunds(c *gin.Context) {
	refunds, err := s.deps.Refunds.FindByPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, refunds)
}
