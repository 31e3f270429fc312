package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eq-rebalancer/internal/config"
	"github.com/eq-rebalancer/internal/errors"
	"github.com/eq-rebalancer/internal/logging"
	"github.com/redis/go-redis/v9"
)

// Stream entry fields
const (
	fieldKind    = "kind"
	fieldCodec   = "codec"
	fieldPayload = "payload"
)

// Delivery is one delivery of a stream entry to this consumer
type Delivery struct {
	ID      string
	Kind    string
	Payload string
	Codec   string
	Job     *PriceJob
	// DecodeErr is set when the entry cannot become a job; such deliveries are dead-lettered
	DecodeErr error
	// Attempt counts deliveries of this entry, starting at 1
	Attempt int
}

// StreamQueueConfig holds configuration for StreamQueue
type StreamQueueConfig struct {
	Client           *redis.Client
	Stream           string
	Group            string
	Consumer         string
	JobKind          string
	Codec            Codec
	DeadLetterStream string
	DeadLetterMaxLen int64
	MaxAttempts      int
	BlockTimeout     time.Duration
	ReclaimMinIdle   time.Duration
	Logger           *logging.Logger
}

// StreamQueue is the price-events transport: producers XADD, workers read through a consumer group.
// Unacknowledged entries stay pending and are reclaimed once idle for ReclaimMinIdle.
type StreamQueue struct {
	client           *redis.Client
	stream           string
	group            string
	consumer         string
	jobKind          string
	codec            Codec
	deadLetterStream string
	deadLetterMaxLen int64
	maxAttempts      int
	blockTimeout     time.Duration
	reclaimMinIdle   time.Duration
	attemptsKey      string
	logger           *logging.Logger
}

// NewStreamQueue creates a new stream queue
func NewStreamQueue(cfg *StreamQueueConfig) (*StreamQueue, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if cfg.Stream == "" {
		return nil, fmt.Errorf("stream name cannot be empty")
	}

	q := &StreamQueue{
		client:           cfg.Client,
		stream:           cfg.Stream,
		group:            cfg.Group,
		consumer:         cfg.Consumer,
		jobKind:          cfg.JobKind,
		codec:            cfg.Codec,
		deadLetterStream: cfg.DeadLetterStream,
		deadLetterMaxLen: cfg.DeadLetterMaxLen,
		maxAttempts:      cfg.MaxAttempts,
		blockTimeout:     cfg.BlockTimeout,
		reclaimMinIdle:   cfg.ReclaimMinIdle,
		attemptsKey:      cfg.Stream + ":attempts",
		logger:           cfg.Logger,
	}

	if q.group == "" {
		q.group = "rebalancer"
	}
	if q.consumer == "" {
		q.consumer = "worker-1"
	}
	if q.jobKind == "" {
		q.jobKind = "price-update"
	}
	if q.codec == nil {
		q.codec = JSONCodec{}
	}
	if q.deadLetterStream == "" {
		q.deadLetterStream = cfg.Stream + ":failed"
	}
	if q.deadLetterMaxLen <= 0 {
		q.deadLetterMaxLen = 500
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 5
	}
	if q.blockTimeout <= 0 {
		q.blockTimeout = 2 * time.Second
	}
	if q.reclaimMinIdle < 0 {
		q.reclaimMinIdle = 0
	}
	if q.logger == nil {
		q.logger = logging.GetGlobalLogger()
	}
	q.logger = q.logger.WithComponent("stream-queue")

	return q, nil
}

// Stream returns the stream name
func (q *StreamQueue) Stream() string {
	return q.stream
}

// DeadLetterStream returns the dead-letter stream name
func (q *StreamQueue) DeadLetterStream() string {
	return q.deadLetterStream
}

// Publish validates and appends a job, returning the entry id that identifies the job
func (q *StreamQueue) Publish(ctx context.Context, job *PriceJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	payload, err := q.codec.Encode(job)
	if err != nil {
		return "", errors.NewInternalError("failed to encode price job", err)
	}

	// The stream is never trimmed by length; entries leave it only once acked or dead-lettered
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			fieldKind:    q.jobKind,
			fieldCodec:   q.codec.Name(),
			fieldPayload: string(payload),
		},
	}).Result()
	if err != nil {
		return "", errors.NewQueueError("publish", err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group (and the stream) if they do not exist
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.NewQueueError("create consumer group", err)
	}
	return nil
}

// Fetch reads up to max new entries, blocking up to the block timeout when none are available
func (q *StreamQueue) Fetch(ctx context.Context, max int) ([]*Delivery, error) {
	if max <= 0 {
		return nil, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
		Block:    q.blockTimeout,
	}).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.NewQueueError("read", err)
	}

	var messages []redis.XMessage
	for _, s := range streams {
		messages = append(messages, s.Messages...)
	}
	return q.deliver(ctx, messages)
}

// Reclaim takes over up to max entries pending on any consumer for longer than the reclaim idle time.
// Entries already delivered MaxAttempts times are dead-lettered instead of returned.
func (q *StreamQueue) Reclaim(ctx context.Context, max int) ([]*Delivery, error) {
	if max <= 0 {
		return nil, nil
	}

	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.reclaimMinIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil {
		return nil, errors.NewQueueError("reclaim", err)
	}

	deliveries, err := q.deliver(ctx, messages)
	if err != nil {
		return nil, err
	}

	live := deliveries[:0]
	for _, d := range deliveries {
		if d.Attempt > q.maxAttempts {
			cause := fmt.Errorf("exceeded %d delivery attempts", q.maxAttempts)
			if err := q.deadLetter(ctx, d, cause); err != nil {
				return nil, err
			}
			continue
		}
		live = append(live, d)
	}
	return live, nil
}

// deliver decodes messages and bumps their delivery counters
func (q *StreamQueue) deliver(ctx context.Context, messages []redis.XMessage) ([]*Delivery, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	pipe := q.client.Pipeline()
	counters := make([]*redis.IntCmd, len(messages))
	for i, m := range messages {
		counters[i] = pipe.HIncrBy(ctx, q.attemptsKey, m.ID, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.NewQueueError("count delivery", err)
	}

	deliveries := make([]*Delivery, 0, len(messages))
	for i, m := range messages {
		d := q.decode(m)
		d.Attempt = int(counters[i].Val())
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

func (q *StreamQueue) decode(m redis.XMessage) *Delivery {
	d := &Delivery{
		ID:      m.ID,
		Kind:    stringField(m.Values, fieldKind),
		Codec:   stringField(m.Values, fieldCodec),
		Payload: stringField(m.Values, fieldPayload),
	}

	if d.Kind != q.jobKind {
		d.DecodeErr = errors.NewMalformedJobError("kind", fmt.Sprintf("%q is not %q", d.Kind, q.jobKind))
		return d
	}

	codec := q.codec
	if d.Codec != "" && d.Codec != codec.Name() {
		c, err := CodecByName(d.Codec)
		if err != nil {
			d.DecodeErr = errors.NewUndecodableJobError(err)
			return d
		}
		codec = c
	}

	job, err := codec.Decode([]byte(d.Payload))
	if err != nil {
		d.DecodeErr = errors.NewUndecodableJobError(err)
		return d
	}
	d.Job = job
	return d
}

func stringField(values map[string]interface{}, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Ack marks a delivery as processed and removes it from the stream
func (q *StreamQueue) Ack(ctx context.Context, d *Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.stream, q.group, d.ID)
		pipe.XDel(ctx, q.stream, d.ID)
		pipe.HDel(ctx, q.attemptsKey, d.ID)
		return nil
	})
	if err != nil {
		return errors.NewQueueError("ack", err)
	}
	return nil
}

// Fail records a failed delivery. Permanent failures and deliveries on their last attempt are
// moved to the dead-letter stream; other failures stay pending for redelivery.
// Reports whether the entry was dead-lettered.
func (q *StreamQueue) Fail(ctx context.Context, d *Delivery, cause error) (bool, error) {
	if errors.IsPermanent(cause) || d.Attempt >= q.maxAttempts {
		return true, q.deadLetter(ctx, d, cause)
	}
	return false, nil
}

func (q *StreamQueue) deadLetter(ctx context.Context, d *Delivery, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.deadLetterStream,
			MaxLen: q.deadLetterMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				fieldKind:     d.Kind,
				fieldCodec:    d.Codec,
				fieldPayload:  d.Payload,
				"original_id": d.ID,
				"error":       reason,
				"attempts":    strconv.Itoa(d.Attempt),
				"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
			},
		})
		pipe.XAck(ctx, q.stream, q.group, d.ID)
		pipe.XDel(ctx, q.stream, d.ID)
		pipe.HDel(ctx, q.attemptsKey, d.ID)
		return nil
	})
	if err != nil {
		return errors.NewQueueError("dead-letter", err)
	}

	q.logger.WithFields(map[string]interface{}{
		"jobId":    d.ID,
		"attempts": d.Attempt,
		"reason":   reason,
	}).Warn("job moved to dead-letter stream")
	return nil
}

// Stats describes the queue backlog
type Stats struct {
	Length      int64 `json:"length"`
	Pending     int64 `json:"pending"`
	DeadLetters int64 `json:"deadLetters"`
}

// Stats returns stream length, pending entries of the group and dead-letter count
func (q *StreamQueue) Stats(ctx context.Context) (*Stats, error) {
	var (
		length, dead *redis.IntCmd
		pending      *redis.XPendingCmd
	)
	// A missing group makes XPENDING fail; length and dead letters are still reported
	_, _ = q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.XLen(ctx, q.stream)
		pending = pipe.XPending(ctx, q.stream, q.group)
		dead = pipe.XLen(ctx, q.deadLetterStream)
		return nil
	})
	if err := length.Err(); err != nil && !stderrors.Is(err, redis.Nil) {
		return nil, errors.NewQueueError("stats", err)
	}

	stats := &Stats{Length: length.Val(), DeadLetters: dead.Val()}
	if p, err := pending.Result(); err == nil && p != nil {
		stats.Pending = p.Count
	}
	return stats, nil
}

// NewStreamQueueFromConfig builds the queue described by cfg on client
func NewStreamQueueFromConfig(client *redis.Client, cfg *config.QueueConfig, logger *logging.Logger) (*StreamQueue, error) {
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	return NewStreamQueue(&StreamQueueConfig{
		Client:           client,
		Stream:           cfg.Stream,
		Group:            cfg.Group,
		Consumer:         cfg.Consumer,
		JobKind:          cfg.JobKind,
		Codec:            codec,
		DeadLetterStream: cfg.DeadLetterStream,
		DeadLetterMaxLen: cfg.DeadLetterMaxLen,
		MaxAttempts:      cfg.MaxAttempts,
		BlockTimeout:     cfg.BlockTimeout,
		ReclaimMinIdle:   cfg.ReclaimMinIdle,
		Logger:           logger,
	})
}
