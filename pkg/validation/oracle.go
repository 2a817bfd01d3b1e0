// Package validation asks an external oracle whether a heuristic rule really
// detects the techniques it was mapped to. Verdicts enrich analytics; they
// never gate a mapping.
package validation

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/mapping"
)

// Request describes the rule to validate.
type Request struct {
	ProductID    string
	RuleID       string
	Source       mapping.Source
	Name         string
	Query        string
	TechniqueIDs []string
	Platforms    []string
}

// Oracle validates rules.
type Oracle interface {
	// Validate returns (nil, nil) when the oracle has no opinion.
	Validate(ctx context.Context, req Request) (*mapping.ValidationResult, error)
}

// Nop never validates anything.
type Nop struct{}

func (Nop) Validate(context.Context, Request) (*mapping.ValidationResult, error) { return nil, nil }

// DefaultMethod is the full gRPC method the oracle serves.
const DefaultMethod = "/attackmap.validation.v1.Oracle/Validate"

// Config holds the gRPC oracle configuration.
type Config struct {
	// Server address (host:port, or any gRPC target)
	Address string `yaml:"address" json:"address"`

	// Method overrides DefaultMethod.
	Method string `yaml:"method" json:"method"`

	// Token is sent as a bearer token. It is read from the credential
	// store, never from YAML.
	Token string `yaml:"-" json:"-"`

	// TLS configuration
	UseTLS             bool `yaml:"use_tls" json:"use_tls"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`

	// Connection settings
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	KeepAliveTime    time.Duration `yaml:"keepalive_time" json:"keepalive_time"`
	KeepAliveTimeout time.Duration `yaml:"keepalive_timeout" json:"keepalive_timeout"`
}

// DefaultConfig returns the default oracle config.
func DefaultConfig() *Config {
	return &Config{
		Method:           DefaultMethod,
		UseTLS:           true,
		Timeout:          10 * time.Second,
		KeepAliveTime:    30 * time.Second,
		KeepAliveTimeout: 10 * time.Second,
	}
}

// GRPCOracle calls a remote oracle with structpb payloads, so no generated
// stubs are needed on either side.
//
// Request fields: product_id, rule_id, source, name, query, technique_ids,
// platforms. Response fields: is_valid, confidence, reasoning,
// suggested_mutable_elements ([{field, description}]).
type GRPCOracle struct {
	conn   *grpc.ClientConn
	config *Config
	mu     sync.RWMutex
}

// NewGRPCOracle creates the client connection. extra dial options are
// appended to the defaults (tests use them to dial an in-memory listener).
// The connection is established lazily on the first call.
func NewGRPCOracle(cfg *Config, extra ...grpc.DialOption) (*GRPCOracle, error) {
	const op = "validation.NewGRPCOracle"
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Address == "" {
		return nil, errors.E(errors.KindInvalidInput, op, "oracle address is required")
	}
	if cfg.Method == "" {
		cfg.Method = DefaultMethod
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	o := &GRPCOracle{config: cfg}
	opts := []grpc.DialOption{grpc.WithUnaryInterceptor(o.authInterceptor())}
	if cfg.KeepAliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepAliveTime,
			Timeout:             cfg.KeepAliveTimeout,
			PermitWithoutStream: true,
		}))
	}
	if cfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // Intentional for dev environments
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, errors.E(errors.KindNetwork, op, "grpc client", err)
	}
	o.conn = conn
	return o, nil
}

// Close closes the connection.
func (o *GRPCOracle) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conn == nil {
		return nil
	}
	err := o.conn.Close()
	o.conn = nil
	return err
}

// Validate calls the oracle once, bounded by the configured timeout.
func (o *GRPCOracle) Validate(ctx context.Context, req Request) (*mapping.ValidationResult, error) {
	const op = "validation.GRPCOracle.Validate"

	o.mu.RLock()
	conn := o.conn
	o.mu.RUnlock()
	if conn == nil {
		return nil, errors.E(errors.KindInvalidInput, op, "oracle closed")
	}

	payload, err := structpb.NewStruct(map[string]any{
		"product_id":    req.ProductID,
		"rule_id":       req.RuleID,
		"source":        string(req.Source),
		"name":          req.Name,
		"query":         req.Query,
		"technique_ids": toList(req.TechniqueIDs),
		"platforms":     toList(req.Platforms),
	})
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	reply := &structpb.Struct{}
	if err := conn.Invoke(ctx, o.config.Method, payload, reply); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.E(errors.KindTimeout, op, err)
		}
		return nil, errors.E(errors.KindNetwork, op, err)
	}
	return parseResult(reply), nil
}

func toList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// parseResult reads the oracle's reply. An empty reply means no opinion.
func parseResult(s *structpb.Struct) *mapping.ValidationResult {
	f := s.GetFields()
	if len(f) == 0 {
		return nil
	}
	res := &mapping.ValidationResult{
		IsValid:    f["is_valid"].GetBoolValue(),
		Confidence: mapping.ClampConfidence(int(f["confidence"].GetNumberValue())),
		Reasoning:  f["reasoning"].GetStringValue(),
	}
	for _, v := range f["suggested_mutable_elements"].GetListValue().GetValues() {
		el := v.GetStructValue().GetFields()
		field := el["field"].GetStringValue()
		if field == "" {
			continue
		}
		res.SuggestedMutableElements = append(res.SuggestedMutableElements, attack.MutableElement{
			Field:       field,
			Description: el["description"].GetStringValue(),
		})
	}
	return res
}

func (o *GRPCOracle) authInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{},
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if o.config.Token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+o.config.Token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

var (
	_ Oracle = Nop{}
	_ Oracle = (*GRPCOracle)(nil)
)
