// Package store is the persistence layer: DynamoDB tables for work
// orders, students, events, pools, prompts, stages, credentials, and
// recipient ledgers; S3 for rendered campaign HTML; SQS for the command
// queue. All methods take a context and wrap storage failures with
// ErrUnavailable so callers can distinguish infrastructure trouble from
// domain errors.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/slsupport/email-agent/internal/config"
	"github.com/slsupport/email-agent/internal/pkg/logger"
	"github.com/slsupport/email-agent/internal/workorder"
)

// ErrUnavailable marks failures of the storage backends themselves, as
// opposed to missing records or malformed data.
var ErrUnavailable = errors.New("storage unavailable")

// ErrLockHeld is returned by TryLockWorkOrder when another owner holds
// the work order.
var ErrLockHeld = errors.New("work order is locked")

// Notifier receives work-order change events after every successful
// write, so the UI sees state transitions as they happen.
type Notifier interface {
	WorkOrderChanged(ctx context.Context, wo *workorder.WorkOrder)
}

// Store bundles the AWS service clients and table names.
type Store struct {
	awsCfg aws.Config
	db     *dynamodb.Client
	queue  *sqs.Client
	s3     *s3.Client
	tables config.TableConfig
	qcfg   config.QueueConfig
	bucket string
	log    *logger.Logger

	notifier Notifier
}

// AWSConfig exposes the loaded AWS configuration so sibling clients
// (the push notifier) share credentials and region.
func (s *Store) AWSConfig() aws.Config {
	return s.awsCfg
}

// New builds a Store from the agent configuration, loading AWS
// credentials from the default chain.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Store{
		awsCfg: awsCfg,
		db:     dynamodb.NewFromConfig(awsCfg),
		queue:  sqs.NewFromConfig(awsCfg),
		s3:     s3.NewFromConfig(awsCfg),
		tables: cfg.Tables,
		qcfg:   cfg.Queue,
		bucket: cfg.AWS.S3Bucket,
		log:    log,
	}, nil
}

// SetNotifier installs the change notifier. Pass nil to disable.
func (s *Store) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Store) notifyChanged(ctx context.Context, wo *workorder.WorkOrder) {
	if s.notifier != nil && wo != nil {
		s.notifier.WorkOrderChanged(ctx, wo)
	}
}

// unavailable wraps a backend failure so errors.Is(err, ErrUnavailable)
// holds while the underlying error stays inspectable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}

func strPtr(s string) *string { return aws.String(s) }
