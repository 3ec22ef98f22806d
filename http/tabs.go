package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/x402-foundation/x402-tabs/internal/tab"
)

type openTabRequest struct {
	StoreID string     `json:"storeId" binding:"required"`
	TableID *string    `json:"tableId"`
	Items   []tab.Item `json:"items"`
}

func (s *Server) registerTabs(rg *gin.RouterGroup) {
	tabs := rg.Group("/tabs")
	tabs.POST("", s.openTab)
	tabs.GET("/:id", s.getTab)
	tabs.POST("/:id/items", s.addItem)
	tabs.POST("/:id/request-payment", s.requestTabPayment)
	tabs.POST("/:id/cancel", s.cancelTab)
	tabs.GET("/:id/payments", s.tabPayments)
}

func (s *Server) openTab(c *gin.Context) {
	var req openTabRequest
	if !s.bind(c, &req) {
		return
	}
	t, err := s.deps.Tabs.Open(c.Request.Context(), req.StoreID, req.TableID, req.Items)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) getTab(c *gin.Context) {
	t, err := s.deps.Tabs.FindOne(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) addItem(c *gin.Context) {
	var item tab.Item
	if !s.bind(c, &item) {
		return
	}
	t, err := s.deps.Tabs.AddItem(c.Request.Context(), c.Param("id"), item)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) requestTabPayment(c *gin.Context) {
	t, err := s.deps.Tabs.RequestPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) cancelTab(c *gin.Context) {
	t, err := s.deps.Tabs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) tabPayments(c *gin.Context) {
	payments, err := s.deps.Payments.FindByTab(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, payments)
}
