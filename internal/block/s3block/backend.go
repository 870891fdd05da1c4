// Package s3block implements the §4.1 L0 contract against an object-store
// bucket: one object per block, keyed by the block-id's hex string. This is
// the "cloud object bucket" alternative to internal/block/localblock named
// in §4.1's list of L0 implementations.
package s3block

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vaultfs/vaultfs/internal/block"
	"github.com/vaultfs/vaultfs/internal/blockid"
	"github.com/vaultfs/vaultfs/internal/circuit"
	vaulterrors "github.com/vaultfs/vaultfs/pkg/errors"
	"github.com/vaultfs/vaultfs/pkg/retry"
)

var (
	errPoolClosed    = errors.New("s3block: connection pool closed")
	errPoolExhausted = errors.New("s3block: connection pool exhausted")
)

// Store is an L0 raw block store backed by an S3-compatible bucket.
type Store struct {
	client    *s3.Client
	pool      *connectionPool
	bucket    string
	prefix    string
	blockSize int

	retryer *retry.Retryer
	breaker *circuit.CircuitBreaker
	logger  *slog.Logger

	numBlocks atomic.Int64
}

// Open connects to the configured bucket and returns a Store that treats
// every object in it (under cfg.KeyPrefix) as a fixed-size block.
func Open(ctx context.Context, cfg Config, blockSize int, logger *slog.Logger) (*Store, error) {
	cfg.applyDefaults()
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3block: bucket name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "s3block", "bucket", cfg.Bucket)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("s3block: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	pool := newConnectionPool(cfg.PoolSize, func() (*s3.Client, error) { return client, nil })

	breakerCfg := circuit.Config{
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts circuit.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.MaxRetries
	retryCfg.Retryable = isTransient

	return &Store{
		client:    client,
		pool:      pool,
		bucket:    cfg.Bucket,
		prefix:    cfg.KeyPrefix,
		blockSize: blockSize,
		retryer:   retry.New(retryCfg),
		breaker:   circuit.NewCircuitBreaker("s3block", breakerCfg),
		logger:    logger,
	}, nil
}

// BlockSize implements types.BlockStore.
func (s *Store) BlockSize() int { return s.blockSize }

func (s *Store) key(id blockid.ID) string {
	if s.prefix == "" {
		return id.String()
	}
	return path.Join(s.prefix, id.String())
}

func (s *Store) do(ctx context.Context, fn func(context.Context) error) error {
	return s.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return s.retryer.Do(ctx, fn)
	})
}

// TryCreate implements types.BlockStore.
func (s *Store) TryCreate(ctx context.Context, id blockid.ID, data []byte) (bool, error) {
	if len(data) != s.blockSize {
		return false, block.ErrWrongSize(len(data), s.blockSize)
	}
	// S3 has no atomic create-if-absent; approximate it with a head-then-put.
	// A race between two TryCreate calls for the same id is outside this
	// store's contract (§1 Non-goals: one mount, one writer-of-record).
	exists, err := s.exists(ctx, id)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := s.Store(ctx, id, data); err != nil {
		return false, err
	}
	s.numBlocks.Add(1)
	return true, nil
}

func (s *Store) exists(ctx context.Context, id blockid.ID) (bool, error) {
	var found bool
	err := s.do(ctx, func(ctx context.Context) error {
		return s.pool.withClient(ctx, func(c *s3.Client) error {
			_, err := c.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(s.key(id)),
			})
			if err != nil {
				if isNotFound(err) {
					found = false
					return nil
				}
				return err
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return false, vaulterrors.Wrap(vaulterrors.CodeIO, err, "head block").WithComponent("s3block").WithPath(id.String())
	}
	return found, nil
}

// Load implements types.BlockStore.
func (s *Store) Load(ctx context.Context, id blockid.ID) ([]byte, error) {
	var data []byte
	err := s.do(ctx, func(ctx context.Context) error {
		return s.pool.withClient(ctx, func(c *s3.Client) error {
			out, err := c.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(s.key(id)),
			})
			if err != nil {
				return err
			}
			defer out.Body.Close()
			data, err = io.ReadAll(out.Body)
			return err
		})
	})
	if err != nil {
		if isNotFound(err) {
			return nil, vaulterrors.New(vaulterrors.CodeNotFound, "block not found").WithComponent("s3block").WithPath(id.String())
		}
		return nil, vaulterrors.Wrap(vaulterrors.CodeIO, err, "get block").WithComponent("s3block").WithPath(id.String())
	}
	return data, nil
}

// Store implements types.BlockStore.
func (s *Store) Store(ctx context.Context, id blockid.ID, data []byte) error {
	if len(data) != s.blockSize {
		return block.ErrWrongSize(len(data), s.blockSize)
	}
	err := s.do(ctx, func(ctx context.Context) error {
		return s.pool.withClient(ctx, func(c *s3.Client) error {
			_, err := c.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(s.key(id)),
				Body:          bytes.NewReader(data),
				ContentLength: aws.Int64(int64(len(data))),
			})
			return err
		})
	})
	if err != nil {
		return vaulterrors.Wrap(vaulterrors.CodeIO, err, "put block").WithComponent("s3block").WithPath(id.String())
	}
	return nil
}

// Remove implements types.BlockStore.
func (s *Store) Remove(ctx context.Context, id blockid.ID) error {
	exists, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return vaulterrors.New(vaulterrors.CodeNotFound, "block not found").WithComponent("s3block").WithPath(id.String())
	}
	err = s.do(ctx, func(ctx context.Context) error {
		return s.pool.withClient(ctx, func(c *s3.Client) error {
			_, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(s.key(id)),
			})
			return err
		})
	})
	if err != nil {
		return vaulterrors.Wrap(vaulterrors.CodeIO, err, "delete block").WithComponent("s3block").WithPath(id.String())
	}
	s.numBlocks.Add(-1)
	return nil
}

// ForEachID implements types.BlockStore, paging through ListObjectsV2.
func (s *Store) ForEachID(ctx context.Context, fn func(blockid.ID) error) error {
	var continuationToken *string
	for {
		var page *s3.ListObjectsV2Output
		err := s.do(ctx, func(ctx context.Context) error {
			return s.pool.withClient(ctx, func(c *s3.Client) error {
				out, err := c.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
					Bucket:            aws.String(s.bucket),
					Prefix:            aws.String(s.prefix),
					ContinuationToken: continuationToken,
				})
				page = out
				return err
			})
		})
		if err != nil {
			return vaulterrors.Wrap(vaulterrors.CodeIO, err, "list blocks").WithComponent("s3block")
		}
		for _, obj := range page.Contents {
			name := path.Base(aws.ToString(obj.Key))
			id, err := blockid.ParseString(name)
			if err != nil {
				continue
			}
			if err := fn(id); err != nil {
				return err
			}
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			return nil
		}
		continuationToken = page.NextContinuationToken
	}
}

// NumBlocks implements types.BlockStore.
func (s *Store) NumBlocks(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.ForEachID(ctx, func(blockid.ID) error {
		n++
		return nil
	})
	return n, err
}

// Close releases pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

// isTransient classifies which S3 errors are worth retrying: throttling and
// 5xx-class failures, not NoSuchKey/auth errors.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if isNotFound(err) {
		return false
	}
	return retry.IsTemporary(err)
}
