package app

import (
	"context"
	"io"
	"time"

	"media_convert_service/internal/convert/domain"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/mock"
)

// MockJobRepository Mock JobRepository
type MockJobRepository struct {
	mock.Mock
}

// CreateJob moke create job
func (m *MockJobRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

// GetJob moke get job by id
func (m *MockJobRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

// UpdateJob moke update job
func (m *MockJobRepository) UpdateJob(ctx context.Context, job *domain.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

// DeleteJob moke delete job
func (m *MockJobRepository) DeleteJob(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

// SetProgress moke set progress
func (m *MockJobRepository) SetProgress(ctx context.Context, snap *domain.ProgressSnapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

// GetProgress moke get progress by job id
func (m *MockJobRepository) GetProgress(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.ProgressSnapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

// ListJobIDs moke list job ids
func (m *MockJobRepository) ListJobIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

// Sweep moke sweep
func (m *MockJobRepository) Sweep(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

// MockMinIOClient Mock MinIOClientRepo
type MockMinIOClient struct {
	mock.Mock
}

// PutObject moke put object
func (m *MockMinIOClient) PutObject(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (int64, error) {
	args := m.Called(ctx, objectName, reader, size, contentType)
	return args.Get(0).(int64), args.Error(1)
}

// GetObject moke get object
func (m *MockMinIOClient) GetObject(ctx context.Context, objectName string) (io.ReadCloser, int64, error) {
	args := m.Called(ctx, objectName)
	if args.Get(0) != nil {
		return args.Get(0).(io.ReadCloser), args.Get(1).(int64), args.Error(2)
	}
	return nil, 0, args.Error(2)
}

// StatObjectSize moke stat object size
func (m *MockMinIOClient) StatObjectSize(ctx context.Context, objectName string) (int64, error) {
	args := m.Called(ctx, objectName)
	return args.Get(0).(int64), args.Error(1)
}

// PresignGetURL moke presign get url
func (m *MockMinIOClient) PresignGetURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	args := m.Called(ctx, objectName, expiry)
	return args.String(0), args.Error(1)
}

// MockRabbitRepo Mock RabbitRepo
type MockRabbitRepo struct {
	mock.Mock
}

// GetRabbit moke get rabbit channel
func (m *MockRabbitRepo) GetRabbit() *amqp.Channel {
	args := m.Called()
	if args.Get(0) != nil {
		return args.Get(0).(*amqp.Channel)
	}
	return nil
}

// Publish moke publish
func (m *MockRabbitRepo) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	args := m.Called(exchange, key, mandatory, immediate, msg)
	return args.Error(0)
}

// MockCanceller Mock ProcessCanceller
type MockCanceller struct {
	mock.Mock
}

// Cancel moke cancel process
func (m *MockCanceller) Cancel(jobID string) error {
	args := m.Called(jobID)
	return args.Error(0)
}

// Running moke running
func (m *MockCanceller) Running(jobID string) bool {
	args := m.Called(jobID)
	return args.Bool(0)
}
