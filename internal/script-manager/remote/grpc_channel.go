package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	MethodSendSafeCommand    = "/agent.v1.AgentGateway/SendSafeCommand"
	MethodSendUnsafeCommand  = "/agent.v1.AgentGateway/SendUnsafeCommand"
	MethodPushPendingScripts = "/agent.v1.AgentGateway/PushPendingScripts"

	DefaultPushTimeout = 30 * time.Second
)

// GRPCChannel talks to the agent gateway with google.protobuf.Struct messages.
type GRPCChannel struct {
	conn        grpc.ClientConnInterface
	closer      func() error
	PushTimeout time.Duration
}

// Dial opens a client connection to the agent gateway.
func Dial(addr string, opts ...grpc.DialOption) (*GRPCChannel, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent gateway client for %s: %w", addr, err)
	}
	hlog.Infof("Remote channel configured for agent gateway %s", addr)
	return &GRPCChannel{conn: conn, closer: conn.Close, PushTimeout: DefaultPushTimeout}, nil
}

// NewGRPCChannel wraps an existing connection.
func NewGRPCChannel(conn grpc.ClientConnInterface) *GRPCChannel {
	return &GRPCChannel{conn: conn, PushTimeout: DefaultPushTimeout}
}

func (c *GRPCChannel) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *GRPCChannel) SendSafeCommand(ctx context.Context, machineID string, cmd SafeCommand, timeout time.Duration) (*CommandResponse, error) {
	req := map[string]interface{}{
		"machineId":   machineID,
		"commandType": cmd.CommandType,
		"script":      cmd.Script,
		"elevated":    cmd.Elevated,
		"runAs":       cmd.RunAs,
		"timeoutMs":   float64(timeout.Milliseconds()),
	}
	out, err := c.invoke(ctx, MethodSendSafeCommand, req, timeout)
	if err != nil {
		return nil, err
	}
	return commandResponse(out), nil
}

func (c *GRPCChannel) SendUnsafeCommand(ctx context.Context, machineID string, body string, opts UnsafeOptions, timeout time.Duration) (*CommandResponse, error) {
	req := map[string]interface{}{
		"machineId": machineID,
		"command":   body,
		"shell":     opts.Shell,
		"runAs":     opts.RunAs,
		"timeoutMs": float64(timeout.Milliseconds()),
	}
	out, err := c.invoke(ctx, MethodSendUnsafeCommand, req, timeout)
	if err != nil {
		return nil, err
	}
	return commandResponse(out), nil
}

func (c *GRPCChannel) PushPendingScriptsToVM(ctx context.Context, machineID string) (*PushResponse, error) {
	out, err := c.invoke(ctx, MethodPushPendingScripts, map[string]interface{}{"machineId": machineID}, c.PushTimeout)
	if err != nil {
		return nil, err
	}
	return &PushResponse{
		Success:     boolField(out, "success"),
		ScriptCount: int(numberField(out, "scriptCount")),
		Error:       stringField(out, "error"),
	}, nil
}

func (c *GRPCChannel) invoke(ctx context.Context, method string, req map[string]interface{}, timeout time.Duration) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		if status.Code(err) == codes.DeadlineExceeded || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

func commandResponse(out *structpb.Struct) *CommandResponse {
	return &CommandResponse{
		Success:  boolField(out, "success"),
		ExitCode: int(numberField(out, "exitCode")),
		Stdout:   stringField(out, "stdout"),
		Stderr:   stringField(out, "stderr"),
		Error:    stringField(out, "error"),
	}
}

func boolField(s *structpb.Struct, key string) bool {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetBoolValue()
	}
	return false
}

func numberField(s *structpb.Struct, key string) float64 {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetNumberValue()
	}
	return 0
}

func stringField(s *structpb.Struct, key string) string {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}
