package dispatch

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v3"

	"wellpulse/internal/types"
)

// EmailDirectory resolves a user id to the address notifications should go
// to. The settings repository implements this.
type EmailDirectory interface {
	EmailForUser(ctx context.Context, userID string) (string, error)
}

// EmailSender abstracts the Resend send call for testability.
type EmailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendDispatcher delivers notifications over email through the Resend
// API. Any failure along the way (unknown address, API error) becomes a
// non-delivered result.
type ResendDispatcher struct {
	sender    EmailSender
	directory EmailDirectory
	fromAddr  string
	logger    types.Logger
	clock     types.Clock
}

var _ Dispatcher = (*ResendDispatcher)(nil)

// NewResendDispatcher builds an email dispatcher backed by the Resend
// client for the given API key. From is the sender address, e.g.
// "WellPulse <notifications@wellpulse.app>".
func NewResendDispatcher(apiKey, from string, directory EmailDirectory, logger types.Logger, clock types.Clock) *ResendDispatcher {
	client := resend.NewClient(apiKey)
	return newResendDispatcher(client.Emails, from, directory, logger, clock)
}

func newResendDispatcher(sender EmailSender, from string, directory EmailDirectory, logger types.Logger, clock types.Clock) *ResendDispatcher {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &ResendDispatcher{
		sender:    sender,
		directory: directory,
		fromAddr:  from,
		logger:    logger,
		clock:     clock,
	}
}

func (d *ResendDispatcher) Channel() types.ChannelType { return types.ChannelEmail }

func (d *ResendDispatcher) Dispatch(ctx context.Context, job types.NotificationJob) types.NotificationDispatchResult {
	message := MessageFor(job.Type)

	fail := func(reason string, err error) types.NotificationDispatchResult {
		args := []any{"job_id", job.JobID, "user_id", job.UserID, "reason", reason}
		if err != nil {
			args = append(args, "error", err.Error())
		}
		d.logger.Warn("email dispatch failed", args...)
		return types.NotificationDispatchResult{
			JobID:           job.JobID,
			UserID:          job.UserID,
			Type:            job.Type,
			DispatchedAtUTC: d.clock.Now(),
			Delivered:       false,
			Message:         reason,
		}
	}

	to, err := d.directory.EmailForUser(ctx, job.UserID)
	if err != nil || to == "" {
		return fail("no email address on file", err)
	}

	params := &resend.SendEmailRequest{
		From:    d.fromAddr,
		To:      []string{to},
		Subject: subjectFor(job.Type),
		Text:    message,
		Headers: map[string]string{
			// Resend dedupes on this key, which pairs with the
			// deterministic job id to make sends idempotent.
			"X-Entity-Ref-ID": job.JobID,
		},
	}
	if _, err := d.sender.SendWithContext(ctx, params); err != nil {
		return fail("email provider rejected the send", err)
	}

	return types.NotificationDispatchResult{
		JobID:           job.JobID,
		UserID:          job.UserID,
		Type:            job.Type,
		DispatchedAtUTC: d.clock.Now(),
		Delivered:       true,
		Message:         message,
	}
}

func subjectFor(t types.NotificationType) string {
	switch t {
	case types.NotificationWeeklyReflection:
		return "Your weekly reflection is ready"
	case types.NotificationCommunityReplies:
		return "New replies in your community"
	case types.NotificationDailyCheckIn:
		return "A gentle check-in reminder"
	default:
		return fmt.Sprintf("WellPulse notification: %s", t)
	}
}
