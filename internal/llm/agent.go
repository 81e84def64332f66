package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/interview-bot/internal/domain"
)

const (
	// AgentService is the gRPC service name of the response agent.
	AgentService   = "interview.agent.v1.AgentService"
	generateMethod = "/" + AgentService + "/Generate"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errAgentResponse            = errors.New("agent returned error")
)

var generateStream = &grpc.StreamDesc{
	StreamName:    "Generate",
	ServerStreams: true,
}

// AgentConfig configures the gRPC agent client.
type AgentConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultAgentConfig returns the default client settings for addr.
func DefaultAgentConfig(addr string) AgentConfig {
	return AgentConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Agent generates responses through an external agent service over gRPC.
// Requests and replies are google.protobuf.Struct messages:
//
//	request: {"messages": [{"role": "...", "content": "..."}]}
//	reply:   {"delta": "...", "error": "..."}
type Agent struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewAgent connects to the agent service and waits until it is ready.
func NewAgent(cfg AgentConfig, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("agent: missing address")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent service", "address", cfg.Address)
	return &Agent{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Health checks the agent through the standard gRPC health service.
func (a *Agent) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(a.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: AgentService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("agent not serving: %s", resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection.
func (a *Agent) Close() {
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

func (a *Agent) Generate(ctx context.Context, messages []domain.TurnRecord) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		req, err := generateRequest(messages)
		if err != nil {
			yield("", err)
			return
		}

		stream, err := a.conn.NewStream(ctx, generateStream, generateMethod)
		if err != nil {
			yield("", fmt.Errorf("generate request failed: %w", err))
			return
		}
		if err := stream.SendMsg(req); err != nil {
			yield("", fmt.Errorf("send generate request: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield("", fmt.Errorf("close generate request: %w", err))
			return
		}

		for {
			resp := &structpb.Struct{}
			err := stream.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("generate stream error: %w", err))
				return
			}

			fields := resp.GetFields()
			if msg := fields["error"].GetStringValue(); msg != "" {
				yield("", fmt.Errorf("%w: %s", errAgentResponse, msg))
				return
			}
			if delta := fields["delta"].GetStringValue(); delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}
	}
}

func generateRequest(messages []domain.TurnRecord) (*structpb.Struct, error) {
	list := make([]any, 0, len(messages))
	for _, m := range messages {
		list = append(list, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}
	req, err := structpb.NewStruct(map[string]any{"messages": list})
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}
	return req, nil
}

var _ Generator = (*Agent)(nil)
