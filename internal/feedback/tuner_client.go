package feedback

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/umbrix/backend/internal/identity"
	"github.com/umbrix/backend/pb"
)

// The tuner speaks JSON-over-gRPC; message surfaces live in pb and are kept
// in sync with the tuner team by hand rather than a proto toolchain.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

func init() { encoding.RegisterCodec(jsonCodec{}) }

const (
	methodSubmitBatch = "/umbrix.tuner.v1.TunerService/SubmitTrainingBatch"
	methodPropose     = "/umbrix.tuner.v1.TunerService/ProposeThresholds"
)

type grpcTunerClient struct {
	conn *grpc.ClientConn
}

func (c *grpcTunerClient) SubmitTrainingBatch(ctx context.Context, in *pb.TrainingBatch, opts ...grpc.CallOption) (*pb.BatchAck, error) {
	out := new(pb.BatchAck)
	opts = append(opts, grpc.CallContentSubtype("json"))
	if err := c.conn.Invoke(ctx, methodSubmitBatch, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpcTunerClient) ProposeThresholds(ctx context.Context, in *pb.QualitySnapshot, opts ...grpc.CallOption) (*pb.ProposalResponse, error) {
	out := new(pb.ProposalResponse)
	opts = append(opts, grpc.CallContentSubtype("json"))
	if err := c.conn.Invoke(ctx, methodPropose, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// DialTuner connects to the tuner service. An empty address yields the mock
// (local development). When a SPIFFE workload socket is configured the
// channel is mTLS with workload identities; otherwise plaintext for
// in-cluster sidecar setups.
func DialTuner(ctx context.Context, address, spiffeSocket string) (pb.TunerServiceClient, func() error, error) {
	if address == "" {
		return &pb.MockTunerClient{}, func() error { return nil }, nil
	}

	var creds credentials.TransportCredentials
	var cleanup func() error = func() error { return nil }
	if spiffeSocket != "" {
		verifier, err := identity.NewWorkloadVerifier(ctx, spiffeSocket)
		if err != nil {
			return nil, nil, fmt.Errorf("spiffe source: %w", err)
		}
		tlsConf, err := verifier.MTLSClientConfig()
		if err != nil {
			verifier.Close()
			return nil, nil, fmt.Errorf("spiffe mtls config: %w", err)
		}
		creds = credentials.NewTLS(tlsConf)
		cleanup = verifier.Close
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(creds))
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("dial tuner: %w", err)
	}
	client := &grpcTunerClient{conn: conn}
	closeAll := func() error {
		err := conn.Close()
		if cerr := cleanup(); err == nil {
			err = cerr
		}
		return err
	}
	return client, closeAll, nil
}
