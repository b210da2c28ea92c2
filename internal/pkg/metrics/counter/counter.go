package counter

import (
	"context"
	"strconv"

	"github.com/Gndys/PayHub/internal/pkg/cache"
)

const (
	webhookDeliveriesKey = "payment:counters:webhook_deliveries"
	webhookFailuresKey   = "payment:counters:webhook_failures"
)

// AddWebhookDelivery increments the delivery counter for a provider in Redis
func AddWebhookDelivery(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, webhookDeliveriesKey, provider, 1).Err()
}

// AddWebhookFailure increments the failed-delivery counter for a provider in Redis
func AddWebhookFailure(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, webhookFailuresKey, provider, 1).Err()
}

// WebhookTotals reads both counter hashes. A missing key simply yields an
// empty map.
func WebhookTotals() (map[string]int64, map[string]int64, error) {
	ctx := context.Background()

	deliveries, err := readHash(ctx, webhookDeliveriesKey)
	if err != nil {
		return nil, nil, err
	}
	failures, err := readHash(ctx, webhookFailuresKey)
	if err != nil {
		return nil, nil, err
	}
	return deliveries, failures, nil
}

func readHash(ctx context.Context, key string) (map[string]int64, error) {
	data, err := cache.GetClient().HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(data))
	for field, v := range data {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[field] = n
	}
	return out, nil
}
