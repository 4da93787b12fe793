package grpcserver

import (
	"context"
	"slices"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "printledger.ledger.v1.LedgerService"

// Method names served by LedgerServer.
const (
	MethodGetBalance       = "GetBalance"
	MethodGetUserAccount   = "GetUserAccount"
	MethodCharge           = "Charge"
	MethodCredit           = "Credit"
	MethodTransfer         = "Transfer"
	MethodRedeemVoucher    = "RedeemVoucher"
	MethodListTransactions = "ListTransactions"
)

// requestFields lists the fields each method reads, as declared in
// api/printledger/ledger/v1/ledger.proto. Any other field is rejected.
var requestFields = map[string][]string{
	MethodGetBalance:       {fieldAccountID},
	MethodGetUserAccount:   {fieldUserID, fieldAccountType},
	MethodCharge:           {fieldAccountID, fieldAmount, fieldType, fieldDocumentRef, fieldIdempotencyKey, fieldComment},
	MethodCredit:           {fieldAccountID, fieldAmount, fieldType, fieldIdempotencyKey, fieldComment, fieldExtID, fieldExtAddress},
	MethodTransfer:         {fieldFrom, fieldTo, fieldAmount, fieldIdempotencyKey, fieldComment},
	MethodRedeemVoucher:    {fieldAccountID, fieldCardNumber},
	MethodListTransactions: {fieldAccountID, fieldDocumentRef, fieldTypes, fieldAfterID, fieldLimit},
}

// checkFields fails with InvalidArgument when request carries a field method
// does not read, so a misspelled field never falls back to a default.
func checkFields(method string, request *structpb.Struct) error {
	allowed := requestFields[method]
	for name := range request.GetFields() {
		if !slices.Contains(allowed, name) {
			return status.Errorf(codes.InvalidArgument, "%s: %s", errorUnknownField, name)
		}
	}
	return nil
}

type ledgerHandler interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetUserAccount(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Charge(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Credit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Transfer(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	RedeemVoucher(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListTransactions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ledgerHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodGetBalance, Handler: unaryHandler(MethodGetBalance, ledgerHandler.GetBalance)},
		{MethodName: MethodGetUserAccount, Handler: unaryHandler(MethodGetUserAccount, ledgerHandler.GetUserAccount)},
		{MethodName: MethodCharge, Handler: unaryHandler(MethodCharge, ledgerHandler.Charge)},
		{MethodName: MethodCredit, Handler: unaryHandler(MethodCredit, ledgerHandler.Credit)},
		{MethodName: MethodTransfer, Handler: unaryHandler(MethodTransfer, ledgerHandler.Transfer)},
		{MethodName: MethodRedeemVoucher, Handler: unaryHandler(MethodRedeemVoucher, ledgerHandler.RedeemVoucher)},
		{MethodName: MethodListTransactions, Handler: unaryHandler(MethodListTransactions, ledgerHandler.ListTransactions)},
	},
	Metadata: "api/printledger/ledger/v1/ledger.proto",
}

func unaryHandler(method string, call func(ledgerHandler, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := dec(request); err != nil {
			return nil, err
		}
		handler := srv.(ledgerHandler)
		invoke := func(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
			if err := checkFields(method, request); err != nil {
				return nil, err
			}
			return call(handler, ctx, request)
		}
		if interceptor == nil {
			return invoke(ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
			return invoke(ctx, request.(*structpb.Struct))
		})
	}
}

// Register installs the ledger service and a health service reporting it as serving.
func Register(registrar grpc.ServiceRegistrar, server *LedgerServer) {
	registrar.RegisterService(&ledgerServiceDesc, server)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(registrar, healthServer)
}

// Client calls LedgerServer over a client connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call invokes method with fields as the request message.
func (client *Client) Call(ctx context.Context, method string, fields map[string]any, options ...grpc.CallOption) (map[string]any, error) {
	request, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, "/"+ServiceName+"/"+method, request, response, options...); err != nil {
		return nil, err
	}
	return response.AsMap(), nil
}
