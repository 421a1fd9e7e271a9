// Package gossip — parliament_server.go
//
// gRPC mTLS server for the parliament vote transport: external
// parliament voters call CastVote to register their approve/deny on a
// governance decision identified by correlation ID; accepted votes are
// forwarded to a QuorumAccumulator for tallying.
//
// Transport security (unchanged from the teacher's gossip layer):
//   - TLS 1.3 only (tls.VersionTLS13).
//   - Mutual TLS: caller must present a certificate signed by the
//     configured CA.
//   - Certificate type: Ed25519.
//
// Envelope verification:
//  1. Reject if timestamp older than EnvelopeTTL (default 30s).
//  2. Reject if peer node_id not in the trusted voter list.
//  3. Reject if Ed25519 signature invalid.
//
// Accepted votes are forwarded to the quorum accumulator
// (QuorumAccumulator), which this package's Quorum also implements.
package gossip

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// QuorumAccumulator is the interface the server uses to forward accepted
// votes to the quorum evaluator.
type QuorumAccumulator interface {
	Record(correlationID, nodeID string, approve bool)
}

// Server implements ParliamentServer.
type Server struct {
	nodeID       string
	trustedPeers map[string]ed25519.PublicKey // node_id -> public key
	envelopeTTL  time.Duration
	quorum       QuorumAccumulator
	log          *zap.Logger
	startTime    time.Time
}

// NewServer creates a parliament vote server. trustedPeers maps node_id
// to Ed25519 public key for envelope verification.
func NewServer(nodeID string, trustedPeers map[string]ed25519.PublicKey, envelopeTTL time.Duration, quorum QuorumAccumulator, log *zap.Logger) *Server {
	return &Server{
		nodeID:       nodeID,
		trustedPeers: trustedPeers,
		envelopeTTL:  envelopeTTL,
		quorum:       quorum,
		log:          log,
		startTime:    time.Now(),
	}
}

// CastVote implements ParliamentServer.CastVote.
func (s *Server) CastVote(ctx context.Context, env *VoteEnvelope) (*AckResponse, error) {
	envTime := time.Unix(0, env.TimestampUnixNs)
	age := time.Since(envTime)
	if age > s.envelopeTTL || age < -5*time.Second {
		s.log.Warn("vote envelope rejected: stale timestamp",
			zap.String("node_id", env.NodeID), zap.Duration("age", age))
		return &AckResponse{Accepted: false, RejectionReason: "timestamp_stale"}, nil
	}

	pubKey, trusted := s.trustedPeers[env.NodeID]
	if !trusted {
		s.log.Warn("vote envelope rejected: unknown peer", zap.String("node_id", env.NodeID))
		return &AckResponse{Accepted: false, RejectionReason: "peer_unknown"}, nil
	}

	msg := voteSignatureMessage(env)
	if !ed25519.Verify(pubKey, msg, env.Signature) {
		s.log.Warn("vote envelope rejected: invalid signature", zap.String("node_id", env.NodeID))
		return &AckResponse{Accepted: false, RejectionReason: "signature_invalid"}, nil
	}

	s.quorum.Record(env.CorrelationID, env.NodeID, env.Approve)

	s.log.Debug("vote envelope accepted",
		zap.String("node_id", env.NodeID),
		zap.String("correlation_id", env.CorrelationID),
		zap.Bool("approve", env.Approve))

	return &AckResponse{Accepted: true}, nil
}

// Health implements ParliamentServer.Health.
func (s *Server) Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{
		NodeID:        s.nodeID,
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}, nil
}

// voteSignatureMessage constructs the canonical byte sequence signed by
// the sender and verified by the receiver. Deterministic; excludes the
// signature field itself.
//
// Message = node_id || timestamp (8 LE) || correlation_id || approve (1 byte)
func voteSignatureMessage(env *VoteEnvelope) []byte {
	var buf []byte
	buf = append(buf, []byte(env.NodeID)...)
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(env.TimestampUnixNs))
	buf = append(buf, ts...)
	buf = append(buf, []byte(env.CorrelationID)...)
	if env.Approve {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// ListenAndServe starts the gRPC mTLS parliament server on addr. Blocks
// until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr, certFile, keyFile, caFile string, srv *Server, log *zap.Logger) error {
	tlsCfg, err := buildServerTLS(certFile, keyFile, caFile)
	if err != nil {
		return fmt.Errorf("gossip TLS config: %w", err)
	}

	creds := credentials.NewTLS(tlsCfg)
	grpcSrv := grpc.NewServer(
		grpc.Creds(creds),
		grpc.MaxRecvMsgSize(64*1024),
		grpc.MaxSendMsgSize(64*1024),
	)
	RegisterParliamentServer(grpcSrv, srv)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gossip listen %s: %w", addr, err)
	}

	log.Info("parliament vote server listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		grpcSrv.GracefulStop()
	}()

	if err := grpcSrv.Serve(lis); err != nil {
		return fmt.Errorf("gossip grpc serve: %w", err)
	}
	return nil
}

// buildServerTLS constructs a TLS 1.3-only mTLS config.
func buildServerTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
	}

	caData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file %q: %w", caFile, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
