package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	x402 "github.com/x402-foundation/x402-tabs"
	"github.com/x402-foundation/x402-tabs/encoding"
)

type paymentRequest struct {
	TabID    string `json:"tabId" binding:"required"`
	Payer    string `json:"payer" binding:"required"`
	Currency string `json:"currency"`
}

type sponsoredBuildRequest struct {
	TabID string `json:"tabId" binding:"required"`
	Payer string `json:"payer" binding:"required"`
}

type sponsoredSubmitRequest struct {
	PaymentID                string `json:"paymentId" binding:"required"`
	TransactionBytes         string `json:"transactionBytes"`
	SenderAuthenticatorBytes string `json:"senderAuthenticatorBytes"`
}

type registrationBuildRequest struct {
	Address  string `json:"address" binding:"required"`
	CoinType string `json:"coinType"`
}

type registrationSubmitRequest struct {
	TransactionBytes         string `json:"transactionBytes"`
	SenderAuthenticatorBytes string `json:"senderAuthenticatorBytes"`
	CoinType                 string `json:"coinType"`
}

func (s *Server) registerX402(rg *gin.RouterGroup) {
	g := rg.Group("/x402")
	g.POST("/request", s.requestPayment)
	g.POST("/verify", s.verifyPayment)
	g.POST("/submit", s.submitProof)
	g.POST("/sponsored/build", s.buildSponsored)
	g.POST("/sponsored/submit", s.submitSponsored)
	g.POST("/sponsored/registration/build", s.buildRegistration)
	g.POST("/sponsored/registration/submit", s.submitRegistration)
	g.GET("/registration", s.checkRegistration)
	g.GET("/facilitator/status", s.facilitatorStatus)
	g.GET("/balance", s.tokenBalance)
}

// requestPayment always answers 402: the challenge is the body and is
// mirrored in X-Payment-Required.
func (s *Server) requestPayment(c *gin.Context) {
	var req paymentRequest
	if !s.bind(c, &req) {
		return
	}
	challenge, err := s.deps.Protocol.RequestPayment(c.Request.Context(), req.TabID, req.Payer, req.Currency)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	header, err := encoding.EncodePaymentRequired(*challenge)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.Header(x402.HeaderPaymentRequired, header)
	c.JSON(http.StatusPaymentRequired, challenge)
}

func (s *Server) verifyPayment(c *gin.Context) {
	encoded := c.GetHeader(x402.HeaderPayment)
	if encoded == "" {
		s.fail(c, x402.NewHeaderFormatError(x402.HeaderPayment, errors.New("header is missing")), nil)
		return
	}
	header, raw, err := encoding.DecodePayment(encoded)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	resp, err := s.deps.Protocol.VerifyPayment(c.Request.Context(), header, raw)
	s.writeVerify(c, resp, err)
}

func (s *Server) submitProof(c *gin.Context) {
	var header x402.PaymentHeader
	if !s.bind(c, &header) {
		return
	}
	resp, err := s.deps.Protocol.SubmitPayment(c.Request.Context(), header)
	s.writeVerify(c, resp, err)
}

// writeVerify sends 200 with a receipt header for an accepted proof and 402
// for one that did not check out.
func (s *Server) writeVerify(c *gin.Context, resp *x402.VerifyResponse, err error) {
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if !resp.Valid {
		c.JSON(http.StatusPaymentRequired, resp)
		return
	}
	if resp.Receipt != nil {
		receipt, err := encoding.EncodeReceipt(*resp.Receipt)
		if err != nil {
			s.fail(c, err, nil)
			return
		}
		c.Header(x402.HeaderPaymentReceipt, receipt)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) buildSponsored(c *gin.Context) {
	var req sponsoredBuildRequest
	if !s.bind(c, &req) {
		return
	}
	built, err := s.deps.Protocol.BuildSponsored(c.Request.Context(), req.TabID, req.Payer)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, built)
}

func (s *Server) submitSponsored(c *gin.Context) {
	var req sponsoredSubmitRequest
	if !s.bind(c, &req) {
		return
	}
	resp, err := s.deps.Protocol.SubmitSponsored(c.Request.Context(), req.PaymentID, req.TransactionBytes, req.SenderAuthenticatorBytes)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	if !resp.Valid {
		c.JSON(http.StatusBadGateway, resp)
		return
	}
	s.writeVerify(c, resp, nil)
}

func (s *Server) buildRegistration(c *gin.Context) {
	var req registrationBuildRequest
	if !s.bind(c, &req) {
		return
	}
	reg, err := s.deps.Protocol.BuildSponsoredRegistration(c.Request.Context(), req.Address, req.CoinType)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, reg)
}

func (s *Server) submitRegistration(c *gin.Context) {
	var req registrationSubmitRequest
	if !s.bind(c, &req) {
		return
	}
	result, err := s.deps.Protocol.SubmitSponsoredRegistration(c.Request.Context(), req.TransactionBytes, req.SenderAuthenticatorBytes, req.CoinType)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	c.JSON(status, result)
}

func (s *Server) checkRegistration(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		s.fail(c, x402.NewValidationError("address is required"), nil)
		return
	}
	status, err := s.deps.Protocol.CheckRegistration(c.Request.Context(), address, c.Query("coinType"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) facilitatorStatus(c *gin.Context) {
	ctx := c.Request.Context()
	balances, err := s.deps.Facilitator.CheckFacilitatorBalance(ctx)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	healthy := true
	for _, b := range balances {
		if !b.Sufficient {
			healthy = false
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"healthy":      healthy,
		"gasSponsored": s.deps.Facilitator.IsGasSponsorshipAvailable(ctx),
		"balances":     balances,
	})
}

func (s *Server) tokenBalance(c *gin.Context) {
	network := x402.Network(c.Query("network"))
	address := c.Query("address")
	if network == "" || address == "" {
		s.fail(c, x402.NewValidationError("network and address are required"), nil)
		return
	}
	token := c.Query("token")
	balance, err := s.deps.Facilitator.GetTokenBalance(c.Request.Context(), network, token, address)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"network": network,
		"token":   token,
		"address": address,
		"balance": balance,
	})
}
