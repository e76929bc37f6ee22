package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const questionField = "question"

// Question is one /ask waiting for an answer. An empty Model means the default
// model at answer time.
type Question struct {
	ChatID  int64  `json:"chat"`
	ReplyTo int64  `json:"reply_to"`
	Text    string `json:"text"`
	Model   string `json:"model,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// Delivery is a question handed to this consumer. It stays pending in the
// group until Done or Retry.
type Delivery struct {
	EntryID string
	Question
}

type Options struct {
	Stream   string
	Group    string
	Consumer string
	// Block bounds how long Pull waits for new entries.
	Block time.Duration
}

// AskQueue carries /ask questions over a redis stream with one consumer
// group. Finished entries are deleted from the stream.
type AskQueue struct {
	rdb  *redis.Client
	opts Options
}

func NewAskQueue(rdb *redis.Client, opts Options) *AskQueue {
	return &AskQueue{rdb: rdb, opts: opts}
}

// Prepare creates the stream and the consumer group if they are missing.
func (q *AskQueue) Prepare(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", q.opts.Group, q.opts.Stream, err)
	}
	return nil
}

func (q *AskQueue) Push(ctx context.Context, question Question) error {
	if err := q.rdb.XAdd(ctx, q.entry(question)).Err(); err != nil {
		return fmt.Errorf("push question for chat %d: %w", question.ChatID, err)
	}
	return nil
}

// Pull returns up to count new deliveries. Entries that do not decode are
// finished right away and never returned.
func (q *AskQueue) Pull(ctx context.Context, count int64) ([]Delivery, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    count,
		Block:    q.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pull questions: %w", err)
	}

	var out []Delivery
	for _, s := range streams {
		for _, entry := range s.Messages {
			question, ok := decodeQuestion(entry.Values[questionField])
			if !ok {
				_ = q.finish(ctx, entry.ID, nil)
				continue
			}
			out = append(out, Delivery{EntryID: entry.ID, Question: question})
		}
	}
	return out, nil
}

// Done acknowledges d and deletes its entry.
func (q *AskQueue) Done(ctx context.Context, d Delivery) error {
	return q.finish(ctx, d.EntryID, nil)
}

// Retry pushes d again with one more attempt and finishes the old entry in
// the same transaction.
func (q *AskQueue) Retry(ctx context.Context, d Delivery) error {
	next := d.Question
	next.Attempt++
	return q.finish(ctx, d.EntryID, q.entry(next))
}

func (q *AskQueue) finish(ctx context.Context, entryID string, requeue *redis.XAddArgs) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if requeue != nil {
			p.XAdd(ctx, requeue)
		}
		p.XAck(ctx, q.opts.Stream, q.opts.Group, entryID)
		p.XDel(ctx, q.opts.Stream, entryID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish entry %s: %w", entryID, err)
	}
	return nil
}

func (q *AskQueue) entry(question Question) *redis.XAddArgs {
	payload, _ := json.Marshal(question)
	return &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]any{questionField: payload},
	}
}

func decodeQuestion(raw any) (Question, bool) {
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return Question{}, false
	}
	var question Question
	if err := json.Unmarshal(b, &question); err != nil {
		return Question{}, false
	}
	return question, true
}
