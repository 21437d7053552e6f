package qrpay

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"possale/backend/internal/domain"
	"possale/backend/internal/store"
)

const redisKeyPrefix = "qr:session:"

var createSessionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'amount', ARGV[2], 'out_of_band', ARGV[3], 'created_at', ARGV[4], 'updated_at', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// transitionSessionScript sets status to ARGV[1] only when the current status
// is one of ARGV[3..]. Replies {-1} for a missing key, otherwise {0, fields...}
// when refused or {1, fields...} on success, where fields is the hash after
// the script ran.
var transitionSessionScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
	return {-1}
end
local result = 0
for i = 3, #ARGV do
	if ARGV[i] == current then
		redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
		result = 1
		break
	end
end
local reply = redis.call('HGETALL', KEYS[1])
table.insert(reply, 1, result)
return reply
`)

// RedisSessionStore keeps sessions as hashes so they survive restarts and are
// shared by every instance pointed at the same Redis.
type RedisSessionStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisSessionStore(client *redis.Client, retention time.Duration) *RedisSessionStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisSessionStore{client: client, retention: retention}
}

func (s *RedisSessionStore) CreateQRSession(ctx context.Context, session domain.QRSession) error {
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	created, err := createSessionScript.Run(ctx, s.client, []string{redisKey(session.TransactionID)},
		session.Status,
		session.Amount.String(),
		strconv.FormatBool(session.OutOfBand),
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
		session.UpdatedAt.UTC().Format(time.RFC3339Nano),
		s.retention.Milliseconds(),
	).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (s *RedisSessionStore) GetQRSession(ctx context.Context, transactionID int64) (*domain.QRSession, error) {
	fields, err := s.client.HGetAll(ctx, redisKey(transactionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return decodeRedisSession(transactionID, fields)
}

func (s *RedisSessionStore) TransitionQRSession(ctx context.Context, transactionID int64, from []string, to string, at time.Time) (*domain.QRSession, error) {
	args := make([]any, 0, len(from)+2)
	args = append(args, to, at.UTC().Format(time.RFC3339Nano))
	for _, status := range from {
		args = append(args, status)
	}

	reply, err := transitionSessionScript.Run(ctx, s.client, []string{redisKey(transactionID)}, args...).Slice()
	if err != nil {
		return nil, err
	}
	result, fields, err := parseTransitionReply(reply)
	if err != nil {
		return nil, err
	}
	if result < 0 {
		return nil, store.ErrNotFound
	}

	current, err := decodeRedisSession(transactionID, fields)
	if err != nil {
		return nil, err
	}
	if result == 0 {
		return current, store.ErrSessionClosed
	}
	return current, nil
}

// parseTransitionReply splits the script reply into its result code and the
// field/value pairs that follow it.
func parseTransitionReply(reply []any) (int64, map[string]string, error) {
	if len(reply) == 0 {
		return 0, nil, fmt.Errorf("qr transition: empty script reply")
	}
	result, ok := reply[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("qr transition: unexpected result %T", reply[0])
	}
	pairs := reply[1:]
	if len(pairs)%2 != 0 {
		return 0, nil, fmt.Errorf("qr transition: odd field count %d", len(pairs))
	}
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		key, keyOK := pairs[i].(string)
		val, valOK := pairs[i+1].(string)
		if !keyOK || !valOK {
			return 0, nil, fmt.Errorf("qr transition: non-string field at %d", i)
		}
		fields[key] = val
	}
	return result, fields, nil
}

func redisKey(transactionID int64) string {
	return redisKeyPrefix + strconv.FormatInt(transactionID, 10)
}

func decodeRedisSession(transactionID int64, fields map[string]string) (*domain.QRSession, error) {
	amount, err := decimal.NewFromString(fields["amount"])
	if err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, err
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, fields["updated_at"])
	if err != nil {
		return nil, err
	}
	outOfBand, _ := strconv.ParseBool(fields["out_of_band"])

	return &domain.QRSession{
		TransactionID: transactionID,
		Status:        fields["status"],
		Amount:        amount,
		OutOfBand:     outOfBand,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}, nil
}
