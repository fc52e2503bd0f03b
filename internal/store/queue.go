package store

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/slsupport/email-agent/internal/pkg/logger"
)

// Command is one queue message from the UI. Action is "start" or
// "stop"; Step names the pipeline step a start targets.
type Command struct {
	Action      string `json:"action"`
	WorkOrderID string `json:"workOrderId"`
	Step        string `json:"stepName,omitempty"`
}

// UnmarshalJSON accepts the current wire shape plus the legacy "step"
// field name older UI builds still send.
func (c *Command) UnmarshalJSON(data []byte) error {
	type wire Command
	aux := struct {
		*wire
		LegacyStep string `json:"step"`
	}{wire: (*wire)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if c.Step == "" {
		c.Step = aux.LegacyStep
	}
	return nil
}

// Message pairs a decoded command with the receipt handle needed to
// delete it.
type Message struct {
	Command
	ReceiptHandle string
}

// ReceiveCommand long-polls the queue for one command. Delivery is
// at-least-once; callers must tolerate replays. Undecodable bodies are
// deleted and skipped so a poison message cannot wedge the queue.
func (s *Store) ReceiveCommand(ctx context.Context) (*Message, error) {
	out, err := s.queue.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            strPtr(s.qcfg.URL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     s.qcfg.WaitTimeSeconds,
	})
	if err != nil {
		return nil, unavailable("receiving from command queue", err)
	}
	for _, raw := range out.Messages {
		var cmd Command
		if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &cmd); err != nil || cmd.WorkOrderID == "" {
			s.log.Warn("dropping malformed queue message", "body", aws.ToString(raw.Body))
			_ = s.DeleteCommand(ctx, aws.ToString(raw.ReceiptHandle))
			continue
		}
		return &Message{Command: cmd, ReceiptHandle: aws.ToString(raw.ReceiptHandle)}, nil
	}
	return nil, nil
}

// DeleteCommand acknowledges a received message.
func (s *Store) DeleteCommand(ctx context.Context, receiptHandle string) error {
	_, err := s.queue.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      strPtr(s.qcfg.URL),
		ReceiptHandle: strPtr(receiptHandle),
	})
	if err != nil {
		return unavailable("deleting queue message", err)
	}
	return nil
}

// PurgeQueue drops every pending command. Run once at startup so stale
// commands from before a restart cannot fire against recovered state.
func (s *Store) PurgeQueue(ctx context.Context) error {
	_, err := s.queue.PurgeQueue(ctx, &sqs.PurgeQueueInput{
		QueueUrl: strPtr(s.qcfg.URL),
	})
	if err != nil {
		return unavailable("purging command queue", err)
	}
	return nil
}

// CheckForStopMessage peeks the queue for a stop command addressed to
// the work order. A match is consumed and reported; anything else is
// released back immediately by zeroing its visibility timeout.
func (s *Store) CheckForStopMessage(ctx context.Context, workOrderID string) (bool, error) {
	out, err := s.queue.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            strPtr(s.qcfg.URL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     0,
		VisibilityTimeout:   1,
	})
	if err != nil {
		return false, unavailable("checking for stop message", err)
	}

	found := false
	for _, raw := range out.Messages {
		var cmd Command
		if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &cmd); err == nil &&
			cmd.Action == "stop" && cmd.WorkOrderID == workOrderID {
			s.log.Log(logger.Progress, "stop message received", "workOrderId", workOrderID)
			_ = s.DeleteCommand(ctx, aws.ToString(raw.ReceiptHandle))
			found = true
			continue
		}
		// Not ours; make it visible again right away.
		_, _ = s.queue.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          strPtr(s.qcfg.URL),
			ReceiptHandle:     raw.ReceiptHandle,
			VisibilityTimeout: 0,
		})
	}
	return found, nil
}
