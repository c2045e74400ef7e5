package httpserver

import (
	"context"
	"net/http"

	dbcontracts "barberloyalty/contracts/db"
	"barberloyalty/internal/loyalty"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type LoyaltyService interface {
	Sweep(ctx context.Context) (loyalty.SweepResult, error)
	Scan(ctx context.Context, token string) (*loyalty.ScanResult, error)
	RedeemFreeCut(ctx context.Context, customerID uuid.UUID) (*dbcontracts.LoyaltyAccount, error)
	Account(ctx context.Context, customerID uuid.UUID) (*dbcontracts.LoyaltyAccount, error)
}

type StampReader interface {
	ListStamps(ctx context.Context, customerID uuid.UUID, limit int) ([]dbcontracts.LoyaltyStamp, error)
}

type LoyaltyHandler struct {
	engine LoyaltyService
	stamps StampReader
	logger *zap.Logger
}

func NewLoyaltyHandler(engine LoyaltyService, stamps StampReader, logger *zap.Logger) *LoyaltyHandler {
	return &LoyaltyHandler{engine: engine, stamps: stamps, logger: logger}
}

// Sweep 自动入账；幂等，没有请求体
// POST /loyalty/sweep
func (h *LoyaltyHandler) Sweep(c *gin.Context) {
	res, err := h.engine.Sweep(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "loyalty.sweep", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type scanRequest struct {
	LoyaltyToken string `json:"loyalty_token"`
}

// Scan 到店扫码。业务失败也返回 200，只有存储故障返回 500。
// POST /loyalty/scan
func (h *LoyaltyHandler) Scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, loyalty.ScanResult{Message: "Invalid request body"})
		return
	}

	res, err := h.engine.Scan(c.Request.Context(), req.LoyaltyToken)
	if err != nil {
		writeError(c, h.logger, "loyalty.scan", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type redeemRequest struct {
	CustomerID uuid.UUID `json:"customer_id" binding:"required"`
}

// Redeem 核销一次免费理发
// POST /loyalty/redeem
func (h *LoyaltyHandler) Redeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CustomerID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "customer_id is required"})
		return
	}

	acc, err := h.engine.RedeemFreeCut(c.Request.Context(), req.CustomerID)
	if err != nil {
		writeError(c, h.logger, "loyalty.redeem", err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// GET /loyalty/account?customer_id=
func (h *LoyaltyHandler) Account(c *gin.Context) {
	id, ok := targetCustomer(c)
	if !ok {
		return
	}
	acc, err := h.engine.Account(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, "loyalty.account", err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// GET /loyalty/stamps?customer_id=&limit=
func (h *LoyaltyHandler) Stamps(c *gin.Context) {
	id, ok := targetCustomer(c)
	if !ok {
		return
	}
	stamps, err := h.stamps.ListStamps(c.Request.Context(), id, queryInt(c, "limit", 50, 500))
	if err != nil {
		writeError(c, h.logger, "loyalty.stamps", err)
		return
	}
	if stamps == nil {
		stamps = []dbcontracts.LoyaltyStamp{}
	}
	c.JSON(http.StatusOK, gin.H{"stamps": stamps})
}
