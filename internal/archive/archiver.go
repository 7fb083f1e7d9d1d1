package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ndrandal/kline-engine/internal/backtest"
)

// s3Putter is the slice of *s3.Client's API that Archiver needs,
// narrowed to keep it mockable in tests without a real S3 endpoint.
type s3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver periodically sweeps a back-test Manager for tasks that
// finished more than maxAge ago and ships each day's batch to S3 as
// gzipped NDJSON before the manager's own TTL would otherwise discard
// them for good.
type Archiver struct {
	mgr      *backtest.Manager
	s3       s3Putter
	bucket   string
	prefix   string
	interval time.Duration
	maxAge   time.Duration
}

// New creates an Archiver over mgr, uploading to bucket/prefix via
// client, sweeping every interval for tasks completed more than maxAge
// ago.
func New(mgr *backtest.Manager, client s3Putter, bucket, prefix string, interval, maxAge time.Duration) *Archiver {
	return &Archiver{
		mgr:      mgr,
		s3:       client,
		bucket:   bucket,
		prefix:   prefix,
		interval: interval,
		maxAge:   maxAge,
	}
}

// Run starts the periodic archive loop. Blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	log.Printf("task archiver: bucket=%s prefix=%s interval=%v age=%v",
		a.bucket, a.prefix, a.interval, a.maxAge)

	a.cycle(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

func (a *Archiver) cycle(ctx context.Context) {
	removed := a.mgr.CleanupOlderThan(a.maxAge)
	if len(removed) == 0 {
		return
	}

	for day, batch := range groupByDay(removed) {
		if err := a.uploadBatch(ctx, day, batch); err != nil {
			log.Printf("task archiver: upload %s: %v", day, err)
			continue
		}
		log.Printf("task archiver: archived %d tasks for %s", len(batch), day)
	}
}

func groupByDay(tasks []backtest.Task) map[string][]backtest.Task {
	batches := make(map[string][]backtest.Task)
	for _, t := range tasks {
		at := t.CompletedAt
		if at == 0 {
			at = t.CreatedAt
		}
		day := time.Unix(at, 0).UTC().Format("2006/01/02")
		batches[day] = append(batches[day], t)
	}
	return batches
}

// uploadBatch gzips tasks as NDJSON and puts the result to
// s3://bucket/prefix/day.jsonl.gz.
func (a *Archiver) uploadBatch(ctx context.Context, day string, tasks []backtest.Task) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, t := range tasks {
		if err := enc.Encode(t); err != nil {
			gz.Close()
			return fmt.Errorf("encode: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}

	key := fmt.Sprintf("%s/%s.jsonl.gz", a.prefix, day)
	_, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentEncoding: aws.String("gzip"),
		ContentType:     aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
