package completion

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voice-pipeline/internal/resilience"
)

// CompleteMethod is the unary RPC served by the Cognitive Orchestrator.
// Request and response are google.protobuf.Struct.
const CompleteMethod = "/lexiq.orchestrator.v1.CognitiveOrchestrator/Complete"

// OrchestratorConfig configures OrchestratorProvider
type OrchestratorConfig struct {
	URL        string
	TLSEnabled bool
	Retry      *resilience.RetryConfig
}

// OrchestratorProvider asks the Cognitive Orchestrator for a reply over gRPC
type OrchestratorProvider struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	retry  *resilience.RetryConfig
	url    string
}

// NewOrchestratorProvider creates the client connection. Dialing is lazy,
// the first call or health check establishes it.
func NewOrchestratorProvider(cfg OrchestratorConfig) (*OrchestratorProvider, error) {
	var opts []grpc.DialOption

	if cfg.TLSEnabled {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))

	conn, err := grpc.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator client for %s: %w", cfg.URL, err)
	}

	retry := cfg.Retry
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}

	log.Info().Str("url", cfg.URL).Bool("tls", cfg.TLSEnabled).Msg("Orchestrator completion provider ready")
	return &OrchestratorProvider{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		retry:  retry,
		url:    cfg.URL,
	}, nil
}

// Name implements Provider
func (o *OrchestratorProvider) Name() string {
	return "orchestrator"
}

// Complete implements Provider
func (o *OrchestratorProvider) Complete(ctx context.Context, req Request) (string, error) {
	msgs := req.Conversation()
	messages := make([]any, 0, len(msgs))
	for _, m := range msgs {
		messages = append(messages, map[string]any{"role": string(m.Role), "text": m.Text})
	}

	in, err := structpb.NewStruct(map[string]any{
		"session_id": req.SessionID,
		"utterance":  req.Utterance,
		"messages":   messages,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build orchestrator request: %w", err)
	}

	var out *structpb.Struct
	err = resilience.Retry(ctx, func(ctx context.Context) error {
		out = &structpb.Struct{}
		return o.conn.Invoke(ctx, CompleteMethod, in, out)
	}, o.retry, isRetryableStatus)
	if err != nil {
		if status.Code(err) == codes.Canceled && ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("orchestrator complete: %w", err)
	}

	if msg := out.GetFields()["error"].GetStringValue(); msg != "" {
		return "", fmt.Errorf("orchestrator error: %s", msg)
	}
	return out.GetFields()["text"].GetStringValue(), nil
}

// HealthCheck checks if the Orchestrator reports SERVING
func (o *OrchestratorProvider) HealthCheck(ctx context.Context) (bool, error) {
	resp, err := o.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, fmt.Errorf("orchestrator health check %s: %w", o.url, err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (o *OrchestratorProvider) Close() error {
	return o.conn.Close()
}

// isRetryableStatus retries transient gRPC codes and falls back to the
// network error heuristics for anything without a status.
func isRetryableStatus(err error) bool {
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
			return true
		case codes.Unknown:
			return resilience.IsRetryableNetworkError(err)
		default:
			return false
		}
	}
	return resilience.IsRetryableNetworkError(err)
}
