package handler

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const MarketplaceServiceName = "escrowmarket.v1.Marketplace"

// MarketplaceServer is the gRPC surface of the marketplace. Messages are
// google.protobuf.Struct so the service needs no generated stubs.
type MarketplaceServer interface {
	GetFeeConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ItemCount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetItem(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTotalPrice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Balance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateListing(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PurchaseItem(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetApprovalForAll(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// authenticatedMethods lists the RPCs that act on behalf of a caller.
var authenticatedMethods = map[string]bool{
	"/" + MarketplaceServiceName + "/CreateListing":     true,
	"/" + MarketplaceServiceName + "/PurchaseItem":      true,
	"/" + MarketplaceServiceName + "/SetApprovalForAll": true,
}

func unary(name string, call func(MarketplaceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MarketplaceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + MarketplaceServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(MarketplaceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var MarketplaceServiceDesc = grpc.ServiceDesc{
	ServiceName: MarketplaceServiceName,
	HandlerType: (*MarketplaceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetFeeConfig", MarketplaceServer.GetFeeConfig),
		unary("ItemCount", MarketplaceServer.ItemCount),
		unary("GetItem", MarketplaceServer.GetItem),
		unary("GetTotalPrice", MarketplaceServer.GetTotalPrice),
		unary("Balance", MarketplaceServer.Balance),
		unary("CreateListing", MarketplaceServer.CreateListing),
		unary("PurchaseItem", MarketplaceServer.PurchaseItem),
		unary("SetApprovalForAll", MarketplaceServer.SetApprovalForAll),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "escrowmarket/v1/marketplace.proto",
}

func RegisterMarketplaceServer(s grpc.ServiceRegistrar, srv MarketplaceServer) {
	s.RegisterService(&MarketplaceServiceDesc, srv)
}

// MarketplaceClient calls the marketplace service over a client connection.
type MarketplaceClient struct {
	cc grpc.ClientConnInterface
}

func NewMarketplaceClient(cc grpc.ClientConnInterface) *MarketplaceClient {
	return &MarketplaceClient{cc: cc}
}

func (c *MarketplaceClient) Call(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+MarketplaceServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// AuthInterceptor resolves the bearer token in the "authorization" metadata
// for RPCs that act on behalf of a caller.
func AuthInterceptor(auth *Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !authenticatedMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		token, ok := bearer(strings.Join(md.Get("authorization"), ""))
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		caller, err := auth.Subject(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(withCaller(ctx, caller), req)
	}
}
