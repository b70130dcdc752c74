// Package main is the entrypoint for the reminder worker Lambda function.
//
// The worker consumes messages from the reminder trigger SQS queue. An
// external scheduler enqueues a fan_out message on a fixed cadence; the
// worker expands it into one message per user whose next-run marker has
// come due, and a per-user message dispatches that user's due reminders
// and advances their markers. Partial batch responses let SQS retry only
// the messages that failed.
//
// In local mode (APP_ENV=local) the worker reads a JSON SQS event from
// stdin instead of starting the Lambda runtime, which supports local
// integration testing without the AWS Lambda RIE.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"wellpulse/internal/config"
	"wellpulse/internal/db"
	"wellpulse/internal/notifications/dispatch"
	"wellpulse/internal/notifications/reminders"
	"wellpulse/internal/queue"
	"wellpulse/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger satisfies Info, Error, and Warn directly, but its With
// returns *slog.Logger rather than types.Logger, so an adapter is needed.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

var _ types.Logger = (*slogAdapter)(nil)

// ReminderProcessor is the service surface the worker drives.
type ReminderProcessor interface {
	DueUserIDs(ctx context.Context) ([]string, error)
	ProcessUser(ctx context.Context, userID string) (int, error)
}

// Trigger re-enqueues per-user messages during fan-out.
type Trigger interface {
	Publish(ctx context.Context, msg types.ReminderMessage) error
}

// Handler holds the dependencies for the reminder worker Lambda handler.
type Handler struct {
	reminders ReminderProcessor
	trigger   Trigger
	clock     types.Clock
	logger    types.Logger
}

// Handle processes an SQS event containing reminder trigger messages.
// Messages that fail are reported as batch item failures so SQS retries
// them individually.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.Error("failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage routes a single trigger message by action.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg types.ReminderMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		h.logger.Error("failed to unmarshal reminder message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		// Permanent parse failure, do not retry (return nil to ACK).
		return nil
	}

	logger := h.logger.With(
		"message_id", record.MessageId,
		"action", string(msg.Action),
		"trace_id", msg.TraceID,
	)

	switch msg.Action {
	case types.ReminderActionFanOut:
		return h.fanOut(ctx, msg, logger)
	case types.ReminderActionUser:
		return h.processUser(ctx, msg, logger)
	default:
		logger.Warn("unknown reminder action, dropping message")
		return nil
	}
}

// fanOut expands a cadence tick into one per-user message for every user
// with a due marker. When no trigger queue is configured (local runs),
// the users are processed inline instead.
func (h *Handler) fanOut(ctx context.Context, msg types.ReminderMessage, logger types.Logger) error {
	userIDs, err := h.reminders.DueUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing due users: %w", err)
	}
	if len(userIDs) == 0 {
		logger.Info("fan-out found no due reminders")
		return nil
	}

	traceID := msg.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	if h.trigger == nil {
		logger.Warn("no trigger queue configured, processing due users inline",
			"user_count", len(userIDs),
		)
		total := 0
		for _, userID := range userIDs {
			n, err := h.reminders.ProcessUser(ctx, userID)
			if err != nil {
				return fmt.Errorf("processing user %s: %w", userID, err)
			}
			total += n
		}
		logger.Info("inline fan-out complete", "dispatched", total)
		return nil
	}

	for _, userID := range userIDs {
		err := h.trigger.Publish(ctx, types.ReminderMessage{
			Action:      types.ReminderActionUser,
			UserID:      userID,
			TraceID:     traceID,
			TriggeredAt: h.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("enqueueing user %s: %w", userID, err)
		}
	}

	logger.Info("fan-out complete", "user_count", len(userIDs))
	return nil
}

// processUser dispatches one user's due reminders.
func (h *Handler) processUser(ctx context.Context, msg types.ReminderMessage, logger types.Logger) error {
	if msg.UserID == "" {
		logger.Warn("user message without user_id, dropping")
		return nil
	}

	dispatched, err := h.reminders.ProcessUser(ctx, msg.UserID)
	if err != nil {
		return fmt.Errorf("processing user %s: %w", msg.UserID, err)
	}

	logger.Info("user reminders processed",
		"user_id", msg.UserID,
		"dispatched", dispatched,
	)
	return nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	typedLogger := &slogAdapter{logger: logger}

	logger.Info("reminder worker initializing (cold start)")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	clock := types.RealClock{}

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	settingsRepo := db.NewSettingsRepository(pool)
	dispatchLogRepo := db.NewDispatchLogRepository(pool)

	var metrics dispatch.Metrics = dispatch.NoopMetrics{}
	if cfg.AWS.MetricsEnabled {
		metrics = dispatch.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), typedLogger)
	}

	var dispatcher dispatch.Dispatcher
	if cfg.Notifications.Channel == "email" {
		dispatcher = dispatch.NewResendDispatcher(
			cfg.Email.ResendAPIKey.Unmask(),
			cfg.Email.From(),
			settingsRepo,
			typedLogger,
			clock,
		)
	} else {
		dispatcher = dispatch.NewLogDispatcher(typedLogger, clock)
	}
	dispatcher = dispatch.NewInstrumentedDispatcher(
		dispatch.NewBreakerDispatcher(dispatcher, clock),
		metrics,
	)

	reminderSvc := reminders.NewService(
		settingsRepo,
		dispatchLogRepo,
		dispatcher,
		metrics,
		typedLogger,
		clock,
		cfg.Notifications.WorkerBatchSize,
	)

	var trigger Trigger
	if cfg.AWS.ReminderQueueURL != "" {
		trigger = queue.NewReminderTrigger(
			sqs.NewFromConfig(awsCfg),
			cfg.AWS.ReminderQueueURL,
			typedLogger,
		)
	} else {
		logger.Warn("SQS_REMINDERS not set, fan-out will process users inline")
	}

	handler := &Handler{
		reminders: reminderSvc,
		trigger:   trigger,
		clock:     clock,
		logger:    typedLogger,
	}

	logger.Info("reminder worker initialized",
		"reminder_queue", cfg.AWS.ReminderQueueURL,
		"batch_size", cfg.Notifications.WorkerBatchSize,
		"channel", cfg.Notifications.Channel,
	)

	// Local mode: read a JSON SQS event from stdin instead of starting the
	// Lambda runtime.
	// Usage: echo '{"Records":[{"messageId":"1","body":"{\"action\":\"fan_out\"}"}]}' | go run ./cmd/reminder-worker
	if cfg.Environment == "local" {
		logger.Info("APP_ENV=local: reading SQS event from stdin")
		payload, err := io.ReadAll(os.Stdin)
		if err != nil {
			logger.Error("failed to read stdin", "error", err)
			os.Exit(1)
		}
		if len(payload) == 0 {
			logger.Error("no input received on stdin")
			os.Exit(1)
		}
		var sqsEvent events.SQSEvent
		if err := json.Unmarshal(payload, &sqsEvent); err != nil {
			logger.Error("failed to parse stdin as SQS event", "error", err)
			os.Exit(1)
		}
		response, err := handler.Handle(ctx, sqsEvent)
		if err != nil {
			logger.Error("handler execution failed", "error", err)
			os.Exit(1)
		}
		if len(response.BatchItemFailures) > 0 {
			respJSON, _ := json.MarshalIndent(response, "", "  ")
			fmt.Fprintln(os.Stderr, string(respJSON))
		}
		logger.Info("handler execution completed",
			"records_processed", len(sqsEvent.Records),
			"failures", len(response.BatchItemFailures),
		)
		return
	}

	lambda.Start(handler.Handle)
}

// loadAWSConfig builds the SDK configuration, pointing at a LocalStack
// endpoint when one is configured.
func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}
