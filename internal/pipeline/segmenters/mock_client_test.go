package segmenters

import (
	"context"

	"github.com/stretchr/testify/mock"

	"hybridcv/internal/inference"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CheckHealth(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockClient) Status(ctx context.Context, model string) (*inference.Status, error) {
	args := m.Called(ctx, model)
	st, _ := args.Get(0).(*inference.Status)
	return st, args.Error(1)
}

func (m *mockClient) Load(ctx context.Context, model string) (*inference.Status, error) {
	args := m.Called(ctx, model)
	st, _ := args.Get(0).(*inference.Status)
	return st, args.Error(1)
}

func (m *mockClient) Detect(ctx context.Context, req *inference.DetectRequest) (*inference.DetectResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*inference.DetectResponse)
	return resp, args.Error(1)
}

func (m *mockClient) Segment(ctx context.Context, req *inference.SegmentRequest) (*inference.SegmentResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*inference.SegmentResponse)
	return resp, args.Error(1)
}

func (m *mockClient) Propose(ctx context.Context, req *inference.ProposeRequest) (*inference.ProposeResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*inference.ProposeResponse)
	return resp, args.Error(1)
}

func (m *mockClient) Close() error {
	return m.Called().Error(0)
}
