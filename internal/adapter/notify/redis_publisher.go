package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/escrow-market/internal/core/domain"
)

const (
	publishedKeyPrefix = "published:"
	publishedKeyTTL    = 24 * time.Hour
	streamMaxLen       = 100000
)

// Appends to the stream and then marks the event id, so a retried Publish
// never duplicates an entry and a failed append leaves no marker behind.
var publishEventScript = redis.NewScript(`
local marker = KEYS[1]
local stream = KEYS[2]

if redis.call('EXISTS', marker) == 1 then
	return 0
end

redis.call('XADD', stream, 'MAXLEN', '~', ARGV[2], '*', unpack(ARGV, 3))
redis.call('SET', marker, 1, 'EX', ARGV[1])
return 1
`)

// RedisPublisher appends marketplace events to a Redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
}

func NewRedisPublisher(client *redis.Client, stream string) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream}
}

func (r *RedisPublisher) Publish(ctx context.Context, event domain.Event) error {
	args := []any{int(publishedKeyTTL.Seconds()), streamMaxLen}
	for _, kv := range EncodeEvent(event) {
		args = append(args, kv[0], kv[1])
	}

	_, err := publishEventScript.Run(ctx, r.client,
		[]string{publishedKeyPrefix + event.ID, r.stream}, args...).Int()
	if err != nil {
		return fmt.Errorf("publish %s event %s: %w", event.Kind, event.ID, err)
	}
	return nil
}

// EncodeEvent flattens an event into ordered stream fields.
func EncodeEvent(event domain.Event) [][2]string {
	fields := [][2]string{
		{"event_id", event.ID},
		{"kind", string(event.Kind)},
		{"occurred_at", event.OccurredAt.UTC().Format(time.RFC3339Nano)},
	}
	switch {
	case event.Offered != nil:
		o := event.Offered
		fields = append(fields,
			[2]string{"item_id", strconv.FormatInt(o.ItemID, 10)},
			[2]string{"asset_ref", o.AssetRef},
			[2]string{"token_id", strconv.FormatUint(o.TokenID, 10)},
			[2]string{"price", strconv.FormatInt(o.Price, 10)},
			[2]string{"seller", string(o.Seller)},
		)
	case event.Bought != nil:
		b := event.Bought
		fields = append(fields,
			[2]string{"item_id", strconv.FormatInt(b.ItemID, 10)},
			[2]string{"asset_ref", b.AssetRef},
			[2]string{"token_id", strconv.FormatUint(b.TokenID, 10)},
			[2]string{"price", strconv.FormatInt(b.Price, 10)},
			[2]string{"seller", string(b.Seller)},
			[2]string{"buyer", string(b.Buyer)},
		)
	}
	return fields
}

// DecodeEvent rebuilds an event from stream fields written by Publish.
func DecodeEvent(values map[string]any) (domain.Event, error) {
	str := func(key string) string {
		v, _ := values[key].(string)
		return v
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, str("occurred_at"))
	if err != nil {
		return domain.Event{}, fmt.Errorf("occurred_at: %w", err)
	}
	itemID, err := strconv.ParseInt(str("item_id"), 10, 64)
	if err != nil {
		return domain.Event{}, fmt.Errorf("item_id: %w", err)
	}
	tokenID, err := strconv.ParseUint(str("token_id"), 10, 64)
	if err != nil {
		return domain.Event{}, fmt.Errorf("token_id: %w", err)
	}
	price, err := strconv.ParseInt(str("price"), 10, 64)
	if err != nil {
		return domain.Event{}, fmt.Errorf("price: %w", err)
	}

	event := domain.Event{
		ID:         str("event_id"),
		Kind:       domain.EventKind(str("kind")),
		OccurredAt: occurredAt,
	}
	switch event.Kind {
	case domain.EventOffered:
		event.Offered = &domain.Offered{
			ItemID:   itemID,
			AssetRef: str("asset_ref"),
			TokenID:  tokenID,
			Price:    price,
			Seller:   domain.Address(str("seller")),
		}
	case domain.EventBought:
		event.Bought = &domain.Bought{
			ItemID:   itemID,
			AssetRef: str("asset_ref"),
			TokenID:  tokenID,
			Price:    price,
			Seller:   domain.Address(str("seller")),
			Buyer:    domain.Address(str("buyer")),
		}
	default:
		return domain.Event{}, fmt.Errorf("unknown event kind %q", event.Kind)
	}
	return event, nil
}
