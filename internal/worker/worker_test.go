package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"quackchat/internal/chat"
	"quackchat/internal/metrics"
	"quackchat/internal/queue"
)

type fakeAnswerer struct {
	mu     sync.Mutex
	models []string
	answer string
}

func (f *fakeAnswerer) Complete(_ context.Context, model string, messages []*chat.Message) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = append(f.models, model)
	return f.answer + messages[len(messages)-1].Text()
}

type staticModel string

func (s staticModel) DefaultModel(context.Context) (string, error) { return string(s), nil }

type reply struct {
	chatID, replyTo int64
	text            string
}

type fakeReplier struct {
	mu      sync.Mutex
	fail    int
	replies []reply
}

func (f *fakeReplier) Reply(_ context.Context, chatID, replyTo int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("telegram down")
	}
	f.replies = append(f.replies, reply{chatID, replyTo, text})
	return nil
}

func newQueue(t *testing.T) *queue.AskQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.NewAskQueue(rdb, queue.Options{Stream: "quackchat:asks", Group: "workers", Consumer: "test", Block: 10 * time.Millisecond})
	require.NoError(t, q.Prepare(context.Background()))
	return q
}

func drain(t *testing.T, w *Worker, q *queue.AskQueue) {
	t.Helper()
	ctx := context.Background()
	for range 10 {
		deliveries, err := q.Pull(ctx, 1)
		require.NoError(t, err)
		if len(deliveries) == 0 {
			return
		}
		for _, d := range deliveries {
			w.handle(ctx, w.logger, d)
		}
	}
	t.Fatal("queue did not drain")
}

func TestWorkerAnswersWithDefaultModel(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	answerer := &fakeAnswerer{answer: "echo: "}
	replier := &fakeReplier{}
	met := metrics.Unregistered()
	w := New(Config{
		Queue:    q,
		Answerer: answerer,
		Models:   staticModel("Ollama/llama3"),
		Replier:  replier,
		Logger:   zerolog.Nop(),
		Metrics:  met,
	})

	require.NoError(t, q.Push(ctx, queue.Question{ChatID: 1, ReplyTo: 2, Text: "hi"}))
	require.NoError(t, q.Push(ctx, queue.Question{ChatID: 1, ReplyTo: 3, Text: "yo", Model: "work/gpt-4o"}))
	drain(t, w, q)

	require.Equal(t, []string{"Ollama/llama3", "work/gpt-4o"}, answerer.models)
	require.Equal(t, []reply{{1, 2, "echo: hi"}, {1, 3, "echo: yo"}}, replier.replies)
	require.Equal(t, float64(2), testutil.ToFloat64(met.ProcessedJobs))
}

func TestWorkerRetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	replier := &fakeReplier{fail: 3}
	met := metrics.Unregistered()
	w := New(Config{
		Queue:         q,
		Answerer:      &fakeAnswerer{},
		Models:        staticModel("m/x"),
		Replier:       replier,
		MaxJobRetries: 2,
		Logger:        zerolog.Nop(),
		Metrics:       met,
	})

	require.NoError(t, q.Push(ctx, queue.Question{ChatID: 4, ReplyTo: 5, Text: "q"}))
	drain(t, w, q)

	require.Equal(t, float64(3), testutil.ToFloat64(met.FailedJobs))
	require.Equal(t, float64(0), testutil.ToFloat64(met.ProcessedJobs))
	require.Len(t, replier.replies, 1)
	require.Equal(t, int64(4), replier.replies[0].chatID)
	require.Contains(t, replier.replies[0].text, "Could not answer")
}

func TestWorkerTruncatesLongAnswers(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	long := make([]rune, maxReplyRunes+50)
	for i := range long {
		long[i] = 'ä'
	}
	replier := &fakeReplier{}
	w := New(Config{
		Queue:    q,
		Answerer: &fakeAnswerer{answer: string(long)},
		Models:   staticModel("m/x"),
		Replier:  replier,
		Logger:   zerolog.Nop(),
		Metrics:  metrics.Unregistered(),
	})

	require.NoError(t, q.Push(ctx, queue.Question{ChatID: 1, Text: "!"}))
	drain(t, w, q)

	require.Len(t, replier.replies, 1)
	require.Len(t, []rune(replier.replies[0].text), maxReplyRunes)
}
