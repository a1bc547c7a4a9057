package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidMessage is returned for bodies that can never be processed.
var ErrInvalidMessage = errors.New("invalid job message")

// Message asks a GPU worker to drive one job. It carries only the job id; the
// job record is the source of truth for everything else.
type Message struct {
	JobID string `json:"job_id"`
}

// Decode parses a delivery body and checks that the job id is a UUID.
func Decode(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return Message{}, fmt.Errorf("%w: job_id %q is not a UUID", ErrInvalidMessage, msg.JobID)
	}
	return msg, nil
}

type jsonPublisher interface {
	PublishJSON(ctx context.Context, v any) error
}

// Publisher enqueues job messages for the GPU workers.
type Publisher struct {
	client jsonPublisher
}

func NewPublisher(client jsonPublisher) *Publisher {
	return &Publisher{client: client}
}

// PublishJob enqueues jobID.
func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	return p.client.PublishJSON(ctx, Message{JobID: jobID})
}
