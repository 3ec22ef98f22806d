package http

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/mechanisms/evm"
)

type initiateRequest struct {
	TabID string `json:"tabId" binding:"required"`
	Payer string `json:"payer" binding:"required"`
}

type submitRequest struct {
	evm.SignatureInput
	Deadline *big.Int `json:"deadline"`
}

func (s *Server) registerPayments(rg *gin.RouterGroup) {
	payments := rg.Group("/payments")
	payments.POST("/initiate", s.initiatePayment)
	payments.POST("/:id/submit", s.submitPayment)
	payments.GET("/:id", s.getPayment)
	payments.GET("/:id/refunds", s.paymentRefunds)
}

func (s *Server) initiatePayment(c *gin.Context) {
	var req initiateRequest
	if !s.bind(c, &req) {
		return
	}
	initiation, err := s.deps.Payments.Initiate(c.Request.Context(), req.TabID, req.Payer)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, initiation)
}

// submitPayment answers a failed on-chain leg with 502 and the FAILED
// payment so the client can start over.
func (s *Server) submitPayment(c *gin.Context) {
	var req submitRequest
	if !s.bind(c, &req) {
		return
	}
	payment, err := s.deps.Payments.Submit(c.Request.Context(), c.Param("id"), req.SignatureInput, req.Deadline)
	if err != nil {
		if payment != nil && errors.Is(err, x402.ErrSettlementFailed) {
			s.fail(c, err, gin.H{"success": false, "payment": payment})
			return
		}
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "payment": payment})
}

func (s *Server) getPayment(c *gin.Context) {
	payment, err := s.deps.Payments.FindOne(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, payment)
}
