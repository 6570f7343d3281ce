// Package redisrank keeps the demand testing queue in a Redis sorted set.
package redisrank

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/labgate/pkg/demand"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "labgate:rank"
	queueSuffix      = ":queue"
	metaSuffix       = ":meta"
	urgencyBand      = 1e12
	metaSeparator    = "|"

	errorOperationIndex = "rank_index"
	errorSubjectQueue   = "queue"
	errorCodeUpsert     = "upsert"
	errorCodeRemove     = "remove"
	errorCodePage       = "page"
	errorCodeDecode     = "decode"
)

// Index implements demand.RankIndex. Members sort ascending by a negated score so equal scores fall back to
// the member name, which keeps ties in product key order.
type Index struct {
	client   *redis.Client
	queueKey string
	metaKey  string
}

// Option customises an Index.
type Option func(*Index)

// WithKeyPrefix namespaces the Redis keys, useful when several deployments share one server.
func WithKeyPrefix(prefix string) Option {
	return func(index *Index) {
		trimmed := strings.TrimSpace(prefix)
		if trimmed == "" {
			return
		}
		index.queueKey = trimmed + queueSuffix
		index.metaKey = trimmed + metaSuffix
	}
}

// New returns an Index using client.
func New(client *redis.Client, options ...Option) *Index {
	index := &Index{
		client:   client,
		queueKey: defaultKeyPrefix + queueSuffix,
		metaKey:  defaultKeyPrefix + metaSuffix,
	}
	for _, option := range options {
		if option != nil {
			option(index)
		}
	}
	return index
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	trimmed := strings.TrimSpace(redisURL)
	var client *redis.Client
	if strings.HasPrefix(trimmed, "redis://") || strings.HasPrefix(trimmed, "rediss://") {
		options, err := redis.ParseURL(trimmed)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(options)
	} else {
		client = redis.NewClient(&redis.Options{Addr: trimmed})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (index *Index) Upsert(ctx context.Context, ranked demand.RankedProduct) error {
	member := ranked.ProductKey.String()
	_, err := index.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, index.queueKey, redis.Z{Score: queueScore(ranked), Member: member})
		pipe.HSet(ctx, index.metaKey, member, encodeMeta(ranked))
		return nil
	})
	if err != nil {
		return demand.WrapError(errorOperationIndex, errorSubjectQueue, errorCodeUpsert, err)
	}
	return nil
}

func (index *Index) Remove(ctx context.Context, key demand.ProductKey) error {
	member := key.String()
	_, err := index.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, index.queueKey, member)
		pipe.HDel(ctx, index.metaKey, member)
		return nil
	})
	if err != nil {
		return demand.WrapError(errorOperationIndex, errorSubjectQueue, errorCodeRemove, err)
	}
	return nil
}

func (index *Index) Page(ctx context.Context, offset int64, count int64) ([]demand.RankedProduct, error) {
	if count <= 0 {
		return nil, nil
	}
	members, err := index.client.ZRange(ctx, index.queueKey, offset, offset+count-1).Result()
	if err != nil {
		return nil, demand.WrapError(errorOperationIndex, errorSubjectQueue, errorCodePage, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	metas, err := index.client.HMGet(ctx, index.metaKey, members...).Result()
	if err != nil {
		return nil, demand.WrapError(errorOperationIndex, errorSubjectQueue, errorCodePage, err)
	}
	page := make([]demand.RankedProduct, 0, len(members))
	for position, member := range members {
		rawMeta, _ := metas[position].(string)
		ranked, err := decodeMeta(member, rawMeta)
		if err != nil {
			return nil, demand.WrapError(errorOperationIndex, errorSubjectQueue, errorCodeDecode, err)
		}
		page = append(page, ranked)
	}
	return page, nil
}

func queueScore(ranked demand.RankedProduct) float64 {
	return -(float64(ranked.Urgency.Rank())*urgencyBand + ranked.VelocityScore)
}

func encodeMeta(ranked demand.RankedProduct) string {
	return ranked.Urgency.String() + metaSeparator + strconv.FormatFloat(ranked.VelocityScore, 'g', -1, 64)
}

func decodeMeta(member string, rawMeta string) (demand.RankedProduct, error) {
	key, err := demand.NewProductKey(member)
	if err != nil {
		return demand.RankedProduct{}, err
	}
	urgencyValue, velocityValue, found := strings.Cut(rawMeta, metaSeparator)
	if !found {
		return demand.RankedProduct{}, fmt.Errorf("missing metadata for %s", member)
	}
	urgency, err := demand.ParseUrgency(urgencyValue)
	if err != nil {
		return demand.RankedProduct{}, err
	}
	velocity, err := strconv.ParseFloat(velocityValue, 64)
	if err != nil {
		return demand.RankedProduct{}, fmt.Errorf("velocity for %s: %w", member, err)
	}
	return demand.RankedProduct{ProductKey: key, Urgency: urgency, VelocityScore: velocity}, nil
}
