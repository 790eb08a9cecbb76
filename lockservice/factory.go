package lockservice

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hunglin/concourse"
)

// New selects a lock Service backend the same way DatabaseOptions.CacheType
// selected cache coordination in the teacher: Standalone gets an in-process
// map, Clustered gets Redis.
func New(opts concourse.EngineOptions) (Service, error) {
	if opts.Type != concourse.Clustered {
		return NewMemory(), nil
	}
	if opts.RedisConfig == nil {
		return nil, concourse.NewError(concourse.Unknown, fmt.Errorf("clustered database type requires a redis_config"), nil)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.RedisConfig.Address,
		Password: opts.RedisConfig.Password,
		DB:       opts.RedisConfig.DB,
	})
	return NewRedis(client, opts.LockTTL), nil
}
