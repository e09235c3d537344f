// Package scanner implements the antivirus scan job's RPC client (§4.8
// "antivirus_scan" job type) against an external scan service over gRPC.
// Modeled on the teacher's thin gRPC connection wrapper
// (common/mgrpc.GRPCConnection) plus a Repository facade in front of it
// (internal/adapters/grpc/out in the audit component).
package scanner

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/blacklake-io/blacklake/internal/platform/errkind"
	"github.com/blacklake-io/blacklake/internal/platform/log"
)

// Verdict is the scan job's outcome, consumed by the job runner to decide
// whether a commit's object may stay reachable.
type Verdict struct {
	Clean     bool
	Signature string // matched signature name, empty when Clean
}

// Client is the C8 "antivirus_scan" job handler's RPC dependency.
//
//go:generate mockgen --destination=../../gen/mock/scanner/scanner_mock.go --package=mock . Client
type Client interface {
	Scan(ctx context.Context, sha256Hex, storageKey string) (Verdict, error)
}

// Connection wraps a single long-lived *grpc.ClientConn the way the
// teacher's GRPCConnection does, reconnecting lazily rather than holding a
// package-level singleton.
type Connection struct {
	Addr string
	conn *grpc.ClientConn
	log  log.Logger
}

func NewConnection(addr string, logger log.Logger) *Connection {
	return &Connection{Addr: addr, log: logger}
}

func (c *Connection) client() (*grpc.ClientConn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := grpc.NewClient(c.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errkind.Wrap(errkind.BackendUnavailable, err, "dial scan service")
	}

	c.conn = conn

	return conn, nil
}

// rpcClient calls the scan service's single unary method directly via
// conn.Invoke, using structpb.Struct as the wire message so the request and
// response stay well-typed protobuf values without a hand-generated stub
// package for a one-method service.
type rpcClient struct {
	conn *Connection
}

func NewClient(conn *Connection) Client {
	return &rpcClient{conn: conn}
}

const scanMethod = "/blacklake.scanner.v1.Scanner/Scan"

func (c *rpcClient) Scan(ctx context.Context, sha256Hex, storageKey string) (Verdict, error) {
	conn, err := c.conn.client()
	if err != nil {
		return Verdict{}, err
	}

	req, err := structpb.NewStruct(map[string]any{
		"sha256":     sha256Hex,
		"storageKey": storageKey,
	})
	if err != nil {
		return Verdict{}, err
	}

	resp := &structpb.Struct{}

	if err := conn.Invoke(ctx, scanMethod, req, resp); err != nil {
		return Verdict{}, errkind.Wrap(errkind.BackendUnavailable, err, "scan rpc")
	}

	fields := resp.GetFields()

	verdict := Verdict{Clean: true}

	if clean, ok := fields["clean"]; ok {
		verdict.Clean = clean.GetBoolValue()
	}

	if sig, ok := fields["signature"]; ok {
		verdict.Signature = sig.GetStringValue()
	}

	return verdict, nil
}
