package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type createSettlementRequest struct {
	StoreID string `json:"storeId" binding:"required"`
}

func (s *Server) registerSettlements(rg *gin.RouterGroup) {
	settlements := rg.Group("/settlements")
	settlements.POST("", s.createSettlement)
	settlements.GET("/:id", s.getSettlement)
	settlements.POST("/:id/process", s.processSettlement)

	stores := rg.Group("/stores/:id/settlements")
	stores.GET("", s.storeSettlements)
	stores.GET("/summary", s.settlementSummary)
}

func (s *Server) createSettlement(c *gin.Context) {
	var req createSettlementRequest
	if !s.bind(c, &req) {
		return
	}
	settlement, err := s.deps.Settlements.Create(c.Request.Context(), req.StoreID)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, settlement)
}

func (s *Server) getSettlement(c *gin.Context) {
	settlement, err := s.deps.Settlements.FindOne(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, settlement)
}

func (s *Server) processSettlement(c *gin.Context) {
	settlement, err := s.deps.Settlements.ProcessSettlement(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, settlement)
}

func (s *Server) storeSettlements(c *gin.Context) {
	settlements, err := s.deps.Settlements.FindByStore(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, settlements)
}

func (s *Server) settlementSummary(c *gin.Context) {
	summary, err := s.deps.Settlements.GetSettlementSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, summary)
}
