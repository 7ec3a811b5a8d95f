package handler

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/escrow-market/internal/core/domain"
	"github.com/rl1809/escrow-market/internal/core/service"
)

type GRPCHandler struct {
	market *service.Marketplace
	amount AmountCodec
	logger *slog.Logger
}

var _ MarketplaceServer = (*GRPCHandler)(nil)

func NewGRPCHandler(market *service.Marketplace, amount AmountCodec, logger *slog.Logger) *GRPCHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCHandler{market: market, amount: amount, logger: logger}
}

func (h *GRPCHandler) GetFeeConfig(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return h.reply(map[string]any{
		"fee_account": string(h.market.FeeAccount()),
		"fee_percent": h.market.FeePercent(),
		"operator":    string(h.market.Operator()),
	})
}

func (h *GRPCHandler) ItemCount(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	count, err := h.market.ItemCount(ctx)
	if err != nil {
		return nil, h.fail("ItemCount", err)
	}
	return h.reply(map[string]any{"item_count": count})
}

func (h *GRPCHandler) GetItem(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	itemID, err := intField(req, "item_id")
	if err != nil {
		return nil, err
	}
	item, err := h.market.Item(ctx, itemID)
	if err != nil {
		return nil, h.fail("GetItem", err)
	}
	total, err := h.market.GetTotalPrice(ctx, itemID)
	if err != nil {
		return nil, h.fail("GetItem", err)
	}

	out := map[string]any{
		"item_id":     item.ID,
		"asset_ref":   item.AssetRef,
		"token_id":    strconv.FormatUint(item.TokenID, 10),
		"price":       h.amount.Format(item.Price),
		"total_price": h.amount.Format(total),
		"seller":      string(item.Seller),
		"sold":        item.Sold,
		"status":      string(item.Status()),
		"listed_at":   item.ListedAt.Format(time.RFC3339Nano),
	}
	if item.Sold {
		out["buyer"] = string(item.Buyer)
	}
	if item.SoldAt != nil {
		out["sold_at"] = item.SoldAt.Format(time.RFC3339Nano)
	}
	return h.reply(out)
}

func (h *GRPCHandler) GetTotalPrice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	itemID, err := intField(req, "item_id")
	if err != nil {
		return nil, err
	}
	total, err := h.market.GetTotalPrice(ctx, itemID)
	if err != nil {
		return nil, h.fail("GetTotalPrice", err)
	}
	return h.reply(map[string]any{"item_id": itemID, "total_price": h.amount.Format(total)})
}

func (h *GRPCHandler) Balance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	account := domain.Address(stringField(req, "account"))
	balance, err := h.market.Balance(ctx, account)
	if err != nil {
		return nil, h.fail("Balance", err)
	}
	return h.reply(map[string]any{"account": string(account), "balance": h.amount.Format(balance)})
}

func (h *GRPCHandler) CreateListing(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, ok := callerFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, errMissingCaller.Error())
	}
	tokenID, err := uintField(req, "token_id")
	if err != nil {
		return nil, err
	}
	price, err := h.amount.Parse(stringField(req, "price"))
	if err != nil {
		return nil, h.fail("CreateListing", err)
	}

	itemID, err := h.market.CreateListing(ctx, caller, stringField(req, "asset_ref"), tokenID, price)
	if err != nil {
		return nil, h.fail("CreateListing", err)
	}
	return h.reply(map[string]any{"item_id": itemID})
}

func (h *GRPCHandler) PurchaseItem(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	buyer, ok := callerFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, errMissingCaller.Error())
	}
	itemID, err := intField(req, "item_id")
	if err != nil {
		return nil, err
	}
	paid, err := h.amount.Parse(stringField(req, "paid"))
	if err != nil {
		return nil, h.fail("PurchaseItem", err)
	}

	bought, err := h.market.PurchaseItem(ctx, itemID, buyer, paid)
	if err != nil {
		return nil, h.fail("PurchaseItem", err)
	}
	return h.reply(map[string]any{
		"item_id":   bought.ItemID,
		"asset_ref": bought.AssetRef,
		"token_id":  strconv.FormatUint(bought.TokenID, 10),
		"price":     h.amount.Format(bought.Price),
		"seller":    string(bought.Seller),
		"buyer":     string(bought.Buyer),
	})
}

func (h *GRPCHandler) SetApprovalForAll(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	owner, ok := callerFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, errMissingCaller.Error())
	}
	approved := req.GetFields()["approved"].GetBoolValue()
	if err := h.market.ApproveMarketplace(ctx, owner, stringField(req, "asset_ref"), approved); err != nil {
		return nil, h.fail("SetApprovalForAll", err)
	}
	return h.reply(map[string]any{"approved": approved, "operator": string(h.market.Operator())})
}

func (h *GRPCHandler) fail(method string, err error) error {
	m := mapError(err)
	if m.code == codes.Internal {
		h.logger.Error("rpc failed", "method", method, "error", err)
	}
	return status.Error(m.code, m.message)
}

func (h *GRPCHandler) reply(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func stringField(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

// intField accepts either a JSON number or a decimal string, since numbers
// in a Struct are doubles.
func intField(req *structpb.Struct, name string) (int64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "missing %s", name)
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, status.Errorf(codes.InvalidArgument, "invalid %s", name)
		}
		return int64(n), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(kind.StringValue, 10, 64)
		if err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "invalid %s", name)
		}
		return n, nil
	default:
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s", name)
	}
}

func uintField(req *structpb.Struct, name string) (uint64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "missing %s", name)
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n != math.Trunc(n) || n < 0 || n > math.MaxUint64 {
			return 0, status.Errorf(codes.InvalidArgument, "invalid %s", name)
		}
		return uint64(n), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(kind.StringValue, 10, 64)
		if err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "invalid %s", name)
		}
		return n, nil
	default:
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s", name)
	}
}
