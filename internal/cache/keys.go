package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(requestID uuid.UUID) string {
	return fmt.Sprintf("job:%s", requestID)
}

// ResultKey addresses a cached result by its clip_results key, so stream results
// land under "result:stream:<username>".
func ResultKey(resultKey string) string {
	return fmt.Sprintf("result:%s", resultKey)
}

func AverageKey(kind string) string {
	return fmt.Sprintf("avg:%s", kind)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
