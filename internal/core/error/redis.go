package errx

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

// WrapRedis maps Redis errors onto the taxonomy: a missing key becomes
// not_found, anything else storage_unavailable.
func WrapRedis(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, redis.Nil) {
		return New(err, CodeNotFound, RedisNotFoundMessage)
	}

	return New(err, CodeStorageUnavailable, RedisErrorMessage)
}
