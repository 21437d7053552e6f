package qrpay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	bolt "go.etcd.io/bbolt"

	"possale/backend/internal/domain"
	"possale/backend/internal/store"
)

const boltBucket = "qr_sessions"

// BoltSessionStore keeps sessions in a local bbolt file. It is restart-safe
// for a single instance; bbolt serializes writers so each transition is atomic.
type BoltSessionStore struct {
	db *bolt.DB
}

type boltSession struct {
	Status    string    `json:"status"`
	Amount    string    `json:"amount"`
	OutOfBand bool      `json:"out_of_band"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewBoltSessionStore(path string) (*BoltSessionStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltSessionStore{db: db}, nil
}

func (s *BoltSessionStore) Close() error {
	return s.db.Close()
}

func (s *BoltSessionStore) CreateQRSession(_ context.Context, session domain.QRSession) error {
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		key := boltKey(session.TransactionID)
		if b.Get(key) != nil {
			return store.ErrDuplicate
		}
		data, err := json.Marshal(boltSession{
			Status:    session.Status,
			Amount:    session.Amount.String(),
			OutOfBand: session.OutOfBand,
			CreatedAt: session.CreatedAt.UTC(),
			UpdatedAt: session.UpdatedAt.UTC(),
		})
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltSessionStore) GetQRSession(_ context.Context, transactionID int64) (*domain.QRSession, error) {
	var session *domain.QRSession
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(boltBucket)).Get(boltKey(transactionID))
		if v == nil {
			return store.ErrNotFound
		}
		var err error
		session, err = decodeBoltSession(transactionID, v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *BoltSessionStore) TransitionQRSession(_ context.Context, transactionID int64, from []string, to string, at time.Time) (*domain.QRSession, error) {
	var current *domain.QRSession
	refused := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		key := boltKey(transactionID)
		v := b.Get(key)
		if v == nil {
			return store.ErrNotFound
		}

		var record boltSession
		if err := json.Unmarshal(v, &record); err != nil {
			return err
		}
		if !slices.Contains(from, record.Status) {
			refused = true
			var err error
			current, err = decodeBoltSession(transactionID, v)
			return err
		}

		record.Status = to
		record.UpdatedAt = at.UTC()
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		current, err = decodeBoltSession(transactionID, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if refused {
		return current, store.ErrSessionClosed
	}
	return current, nil
}

func boltKey(transactionID int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(transactionID))
	return key
}

func decodeBoltSession(transactionID int64, raw []byte) (*domain.QRSession, error) {
	var record boltSession
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(record.Amount)
	if err != nil {
		return nil, err
	}
	return &domain.QRSession{
		TransactionID: transactionID,
		Status:        record.Status,
		Amount:        amount,
		OutOfBand:     record.OutOfBand,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}, nil
}
