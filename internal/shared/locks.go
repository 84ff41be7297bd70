package shared

import "fmt"

// IdempotencyRedisKey builds the redis key for an idempotency reservation.
func IdempotencyRedisKey(key string) string {
	return fmt.Sprintf("stockledger:idempotency:%s", key)
}

// ChangesChannel builds the redis pub/sub channel for change events.
func ChangesChannel(prefix string) string {
	if prefix == "" {
		prefix = "stockledger"
	}
	return fmt.Sprintf("%s:changes", prefix)
}
