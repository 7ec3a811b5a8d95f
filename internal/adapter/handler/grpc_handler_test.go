package handler

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func startGRPC(t *testing.T, env *testEnv) *MarketplaceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	srv := grpc.NewServer(grpc.UnaryInterceptor(AuthInterceptor(env.auth)))
	RegisterMarketplaceServer(srv, NewGRPCHandler(env.market, env.amount, nil))
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewMarketplaceClient(conn)
}

func authed(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func TestGRPCHandler_FullFlow(t *testing.T) {
	env := newTestEnv(t)
	client := startGRPC(t, env)
	ctx := context.Background()

	if err := env.registry.Mint(ctx, 9, "alice"); err != nil {
		t.Fatalf("mint: %v", err)
	}
	alice := authed(ctx, env.token(t, "alice"))

	if _, err := client.Call(alice, "SetApprovalForAll", map[string]any{"asset_ref": testCollection, "approved": true}); err != nil {
		t.Fatalf("SetApprovalForAll: %v", err)
	}

	out, err := client.Call(alice, "CreateListing", map[string]any{"asset_ref": testCollection, "token_id": "9", "price": "5"})
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	if out["item_id"] != float64(1) {
		t.Fatalf("item_id = %v", out["item_id"])
	}

	out, err = client.Call(ctx, "GetTotalPrice", map[string]any{"item_id": 1})
	if err != nil {
		t.Fatalf("GetTotalPrice: %v", err)
	}
	if out["total_price"] != "5.05" {
		t.Fatalf("total_price = %v", out["total_price"])
	}

	out, err = client.Call(authed(ctx, env.token(t, "bob")), "PurchaseItem", map[string]any{"item_id": 1, "paid": "5.05"})
	if err != nil {
		t.Fatalf("PurchaseItem: %v", err)
	}
	if out["buyer"] != "bob" || out["seller"] != "alice" || out["token_id"] != "9" || out["price"] != "5.00" {
		t.Errorf("bought = %v", out)
	}

	out, err = client.Call(ctx, "GetItem", map[string]any{"item_id": "1"})
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if out["sold"] != true || out["buyer"] != "bob" {
		t.Errorf("item = %v", out)
	}

	out, err = client.Call(ctx, "Balance", map[string]any{"account": string(testFeeAccount)})
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if out["balance"] != "0.05" {
		t.Errorf("fee balance = %v", out["balance"])
	}

	out, err = client.Call(ctx, "GetFeeConfig", nil)
	if err != nil {
		t.Fatalf("GetFeeConfig: %v", err)
	}
	if out["fee_percent"] != float64(1) || out["operator"] != string(testOperator) {
		t.Errorf("fee config = %v", out)
	}

	out, err = client.Call(ctx, "ItemCount", nil)
	if err != nil {
		t.Fatalf("ItemCount: %v", err)
	}
	if out["item_count"] != float64(1) {
		t.Errorf("item_count = %v", out["item_count"])
	}
}

func TestGRPCHandler_StatusCodes(t *testing.T) {
	env := newTestEnv(t)
	client := startGRPC(t, env)
	ctx := context.Background()
	env.listed(t, 1, "alice", 100)
	bob := authed(ctx, env.token(t, "bob"))

	tests := []struct {
		name   string
		ctx    context.Context
		method string
		in     map[string]any
		want   codes.Code
	}{
		{"no token", ctx, "PurchaseItem", map[string]any{"item_id": 1, "paid": "1.01"}, codes.Unauthenticated},
		{"insufficient", bob, "PurchaseItem", map[string]any{"item_id": 1, "paid": "1"}, codes.FailedPrecondition},
		{"not found", bob, "PurchaseItem", map[string]any{"item_id": 42, "paid": "1"}, codes.NotFound},
		{"fractional id", ctx, "GetItem", map[string]any{"item_id": 1.5}, codes.InvalidArgument},
		{"missing id", ctx, "GetTotalPrice", map[string]any{}, codes.InvalidArgument},
		{"negative token", bob, "CreateListing", map[string]any{"asset_ref": testCollection, "token_id": -1, "price": "1"}, codes.InvalidArgument},
		{"invalid price", bob, "CreateListing", map[string]any{"asset_ref": testCollection, "token_id": 1, "price": "0"}, codes.InvalidArgument},
		{"not owner", bob, "CreateListing", map[string]any{"asset_ref": testCollection, "token_id": 1, "price": "1"}, codes.PermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Call(tt.ctx, tt.method, tt.in)
			if got := status.Code(err); got != tt.want {
				t.Errorf("code = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestUnaryDescriptorWithoutInterceptor(t *testing.T) {
	env := newTestEnv(t)
	h := NewGRPCHandler(env.market, env.amount, nil)

	var desc grpc.MethodDesc
	for _, m := range MarketplaceServiceDesc.Methods {
		if m.MethodName == "GetFeeConfig" {
			desc = m
		}
	}
	out, err := desc.Handler(h, context.Background(), func(interface{}) error { return nil }, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out.(*structpb.Struct).GetFields()["fee_account"].GetStringValue() != string(testFeeAccount) {
		t.Errorf("out = %v", out)
	}
}
