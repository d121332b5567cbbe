package routes

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisSink mirrors bindings into Redis for routers that read from it
// instead of the file system.
type RedisSink struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSink returns a sink writing keys under prefix.
func NewRedisSink(client redis.UniversalClient, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) nameKey(domainName string) string {
	return fmt.Sprintf("%snames:%s", s.prefix, domainName)
}

func (s *RedisSink) portKey(port int) string {
	return fmt.Sprintf("%sports:%d", s.prefix, port)
}

// Publish writes both keys in one MULTI/EXEC.
func (s *RedisSink) Publish(ctx context.Context, b Binding) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.nameKey(b.Domain), strconv.Itoa(b.Port), 0)
	pipe.Set(ctx, s.portKey(b.Port), b.Domain, 0)
	_, err := pipe.Exec(ctx)
	return err
}

// Resolve applies the same agreement check as [FileSink.Resolve].
func (s *RedisSink) Resolve(ctx context.Context, domainName string) (Binding, error) {
	rawPort, err := s.client.Get(ctx, s.nameKey(domainName)).Result()
	if errors.Is(err, redis.Nil) {
		return Binding{}, fmt.Errorf("%w: %s", ErrNoRoute, domainName)
	}
	if err != nil {
		return Binding{}, err
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 {
		return Binding{}, fmt.Errorf("%w: %s holds %q", ErrNoRoute, domainName, rawPort)
	}
	owner, err := s.client.Get(ctx, s.portKey(port)).Result()
	if errors.Is(err, redis.Nil) {
		return Binding{}, fmt.Errorf("%w: port %d", ErrNoRoute, port)
	}
	if err != nil {
		return Binding{}, err
	}
	if owner != domainName {
		return Binding{}, fmt.Errorf("%w: port %d belongs to %s", ErrNoRoute, port, owner)
	}
	return Binding{Domain: domainName, Port: port}, nil
}

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
