// Package pb holds the hand-maintained message and client surfaces for the
// model-tuner gRPC service. Kept in sync with the tuner team's proto; the
// mock client backs tests and local development.
package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// TrainingExample is one labeled detection outcome.
type TrainingExample struct {
	OrganizationId   string
	AutomationId     string
	Platform         string
	AutomationType   string
	FeedbackType     string
	IsAiPlatform     bool
	AiProvider       string
	DetectionMethod  string
	Confidence       float64
	RiskScore        int32
	RiskFactors      []string
	DetectorVersions map[string]int32
	CapturedAt       *timestamppb.Timestamp
}

// TrainingBatch is a strictly single-tenant batch.
type TrainingBatch struct {
	OrganizationId string
	Examples       []*TrainingExample
}

// BatchAck reports how much of a batch the tuner accepted.
type BatchAck struct {
	Accepted int32
	Rejected int32
}

// QualitySnapshot is the rolling detection-quality report for one tenant.
type QualitySnapshot struct {
	OrganizationId string
	WindowDays     int32
	TruePositives  int32
	FalsePositives int32
	FalseNegatives int32
	Precision      float64
	Recall         float64
}

// ThresholdProposal is one suggested detector configuration change.
type ThresholdProposal struct {
	DetectorCode string
	Thresholds   map[string]float64
	Rationale    string
}

// ProposalResponse carries zero or more proposals for the tenant.
type ProposalResponse struct {
	Proposals []*ThresholdProposal
}

// TunerServiceClient is the client surface of the tuner service.
type TunerServiceClient interface {
	SubmitTrainingBatch(ctx context.Context, in *TrainingBatch, opts ...grpc.CallOption) (*BatchAck, error)
	ProposeThresholds(ctx context.Context, in *QualitySnapshot, opts ...grpc.CallOption) (*ProposalResponse, error)
}

// MockTunerClient accepts every batch and proposes nothing. Tests override
// the Propose hook to script proposals.
type MockTunerClient struct {
	Propose func(*QualitySnapshot) *ProposalResponse
}

func (m *MockTunerClient) SubmitTrainingBatch(_ context.Context, in *TrainingBatch, _ ...grpc.CallOption) (*BatchAck, error) {
	return &BatchAck{Accepted: int32(len(in.Examples))}, nil
}

func (m *MockTunerClient) ProposeThresholds(_ context.Context, in *QualitySnapshot, _ ...grpc.CallOption) (*ProposalResponse, error) {
	if m.Propose != nil {
		return m.Propose(in), nil
	}
	return &ProposalResponse{}, nil
}
