package queue

import "fmt"

func PendingKey(queue string) string {
	return fmt.Sprintf("queue:%s:pending", queue)
}

func ProcessingKey(queue string) string {
	return fmt.Sprintf("queue:%s:processing", queue)
}

// VisibilityKey is a sorted set of processing messages scored by the unix
// millisecond at which they may be reclaimed.
func VisibilityKey(queue string) string {
	return fmt.Sprintf("queue:%s:visibility", queue)
}

func DeadKey(queue string) string {
	return fmt.Sprintf("queue:%s:dead", queue)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
