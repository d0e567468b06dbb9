package tracking

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// Consumer drains the engagement queue into the ledger. Reports that fail
// transiently stay on the queue and are redelivered after the visibility
// timeout.
type Consumer struct {
	client   SQSAPI
	queueURL string
	recorder Recorder
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewConsumer(client SQSAPI, queueURL string, recorder Recorder) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		recorder: recorder,
		done:     make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	log.Printf("[TrackingConsumer] started (queue=%s)", c.queueURL)
	c.wg.Add(1)
	go c.poll(ctx)
}

// Stop ends polling and waits for the current batch.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	log.Printf("[TrackingConsumer] stopped")
}

func (c *Consumer) poll(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if _, err := c.PollOnce(ctx, 20); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[TrackingConsumer] receive error: %v", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}
}

// PollOnce receives one batch, long-polling up to waitSeconds, and returns
// how many reports were recorded.
func (c *Consumer) PollOnce(ctx context.Context, waitSeconds int32) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     waitSeconds,
	})
	if err != nil {
		return 0, err
	}

	recorded := 0
	for _, msg := range out.Messages {
		var evt Event
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &evt); err != nil {
			logger.Warn("dropping undecodable engagement message", "error", err)
			c.deleteMessage(ctx, msg.ReceiptHandle)
			continue
		}

		if _, err := c.recorder.Record(ctx, evt.Input()); err != nil {
			if permanent(err) {
				logger.Warn("dropping engagement report", "type", evt.Type, "enrollment_id", evt.EnrollmentID, "error", err)
				c.deleteMessage(ctx, msg.ReceiptHandle)
				continue
			}
			logger.Error("engagement record failed", "type", evt.Type, "enrollment_id", evt.EnrollmentID, "error", err)
			continue
		}

		recorded++
		c.deleteMessage(ctx, msg.ReceiptHandle)
	}
	return recorded, nil
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		logger.Warn("sqs delete failed", "error", err)
	}
}
