package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rl1809/escrow-market/internal/core/domain"
	"github.com/rl1809/escrow-market/internal/core/service"
)

type HTTPHandler struct {
	market *service.Marketplace
	auth   *Authenticator
	amount AmountCodec
	logger *slog.Logger
}

type CreateListingHTTPRequest struct {
	AssetRef string `json:"asset_ref" binding:"required"`
	TokenID  uint64 `json:"token_id"`
	Price    string `json:"price" binding:"required"`
}

type PurchaseHTTPRequest struct {
	Paid string `json:"paid" binding:"required"`
}

type ApprovalHTTPRequest struct {
	Approved bool `json:"approved"`
}

type ItemHTTPResponse struct {
	ItemID     int64      `json:"item_id"`
	AssetRef   string     `json:"asset_ref"`
	TokenID    uint64     `json:"token_id"`
	Price      string     `json:"price"`
	TotalPrice string     `json:"total_price"`
	Seller     string     `json:"seller"`
	Sold       bool       `json:"sold"`
	Status     string     `json:"status"`
	Buyer      string     `json:"buyer,omitempty"`
	ListedAt   time.Time  `json:"listed_at"`
	SoldAt     *time.Time `json:"sold_at,omitempty"`
}

type BoughtHTTPResponse struct {
	ItemID   int64  `json:"item_id"`
	AssetRef string `json:"asset_ref"`
	TokenID  uint64 `json:"token_id"`
	Price    string `json:"price"`
	Seller   string `json:"seller"`
	Buyer    string `json:"buyer"`
}

type ErrorHTTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func NewHTTPHandler(market *service.Marketplace, auth *Authenticator, amount AmountCodec, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{market: market, auth: auth, amount: amount, logger: logger}
}

// Routes builds the gin engine serving the marketplace API.
func (h *HTTPHandler) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.GET("/fees", h.GetFees)
	api.GET("/items/count", h.ItemCount)
	api.GET("/items/:id", h.GetItem)
	api.GET("/items/:id/total-price", h.GetTotalPrice)
	api.GET("/balances/:account", h.GetBalance)

	authed := api.Group("", h.RequireAuth)
	authed.POST("/listings", h.CreateListing)
	authed.POST("/items/:id/purchase", h.Purchase)
	authed.PUT("/collections/:assetRef/approval", h.SetApproval)

	return r
}

// RequireAuth resolves the bearer token into the caller's address.
func (h *HTTPHandler) RequireAuth(c *gin.Context) {
	token, ok := bearer(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorHTTPResponse{Message: "missing bearer token"})
		return
	}

	caller, err := h.auth.Subject(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorHTTPResponse{Message: "authorization failed", Error: err.Error()})
		return
	}

	c.Request = c.Request.WithContext(withCaller(c.Request.Context(), caller))
	c.Next()
}

func (h *HTTPHandler) caller(c *gin.Context) domain.Address {
	caller, _ := callerFrom(c.Request.Context())
	return caller
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) GetFees(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"fee_account": h.market.FeeAccount(),
		"fee_percent": h.market.FeePercent(),
	})
}

func (h *HTTPHandler) ItemCount(c *gin.Context) {
	count, err := h.market.ItemCount(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item_count": count})
}

func (h *HTTPHandler) GetItem(c *gin.Context) {
	itemID, ok := h.itemID(c)
	if !ok {
		return
	}

	item, err := h.market.Item(c.Request.Context(), itemID)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp, err := h.itemResponse(c.Request.Context(), item)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HTTPHandler) GetTotalPrice(c *gin.Context) {
	itemID, ok := h.itemID(c)
	if !ok {
		return
	}

	total, err := h.market.GetTotalPrice(c.Request.Context(), itemID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item_id": itemID, "total_price": h.amount.Format(total)})
}

func (h *HTTPHandler) GetBalance(c *gin.Context) {
	account := domain.Address(c.Param("account"))
	balance, err := h.market.Balance(c.Request.Context(), account)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account, "balance": h.amount.Format(balance)})
}

func (h *HTTPHandler) CreateListing(c *gin.Context) {
	var req CreateListingHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid request body", Error: err.Error()})
		return
	}

	price, err := h.amount.Parse(req.Price)
	if err != nil {
		h.fail(c, err)
		return
	}

	itemID, err := h.market.CreateListing(c.Request.Context(), h.caller(c), req.AssetRef, req.TokenID, price)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "item_id": itemID})
}

func (h *HTTPHandler) Purchase(c *gin.Context) {
	itemID, ok := h.itemID(c)
	if !ok {
		return
	}

	var req PurchaseHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid request body", Error: err.Error()})
		return
	}
	paid, err := h.amount.Parse(req.Paid)
	if err != nil {
		h.fail(c, err)
		return
	}

	bought, err := h.market.PurchaseItem(c.Request.Context(), itemID, h.caller(c), paid)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, BoughtHTTPResponse{
		ItemID:   bought.ItemID,
		AssetRef: bought.AssetRef,
		TokenID:  bought.TokenID,
		Price:    h.amount.Format(bought.Price),
		Seller:   string(bought.Seller),
		Buyer:    string(bought.Buyer),
	})
}

func (h *HTTPHandler) SetApproval(c *gin.Context) {
	var req ApprovalHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid request body", Error: err.Error()})
		return
	}

	if err := h.market.ApproveMarketplace(c.Request.Context(), h.caller(c), c.Param("assetRef"), req.Approved); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "approved": req.Approved, "operator": h.market.Operator()})
}

func (h *HTTPHandler) itemID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorHTTPResponse{Message: "invalid item id"})
		return 0, false
	}
	return id, true
}

func (h *HTTPHandler) itemResponse(ctx context.Context, item domain.Item) (ItemHTTPResponse, error) {
	total, err := h.market.GetTotalPrice(ctx, item.ID)
	if err != nil {
		return ItemHTTPResponse{}, err
	}
	return ItemHTTPResponse{
		ItemID:     item.ID,
		AssetRef:   item.AssetRef,
		TokenID:    item.TokenID,
		Price:      h.amount.Format(item.Price),
		TotalPrice: h.amount.Format(total),
		Seller:     string(item.Seller),
		Sold:       item.Sold,
		Status:     string(item.Status()),
		Buyer:      string(item.Buyer),
		ListedAt:   item.ListedAt,
		SoldAt:     item.SoldAt,
	}, nil
}

func (h *HTTPHandler) fail(c *gin.Context, err error) {
	m := mapError(err)
	resp := ErrorHTTPResponse{Message: m.message}
	if m.status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	} else {
		resp.Error = err.Error()
	}
	c.JSON(m.status, resp)
}
