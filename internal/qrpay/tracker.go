package qrpay

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"possale/backend/internal/domain"
	"possale/backend/internal/metrics"
	"possale/backend/internal/store"
)

const DefaultTTL = 300 * time.Second

// Tracker runs the QR payment state machine on top of a QRSessionStore.
// pending moves to paid, canceled or expired; every other state is terminal
// except expired, which still accepts a late payment confirmation.
// Expiry is evaluated when a session is read, there is no sweeper.
type Tracker struct {
	sessions store.QRSessionStore
	ttl      time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewTracker(sessions store.QRSessionStore, ttl time.Duration, m *metrics.Metrics) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		sessions: sessions,
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
		metrics:  m,
		logger:   zap.L().Named("qrpay"),
	}
}

// WithClock swaps the time source. Used by tests to simulate elapsed time.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Open starts a pending session for a committed qr sale.
func (t *Tracker) Open(ctx context.Context, transactionID int64, amount decimal.Decimal) (*domain.QRSession, error) {
	now := t.now()
	session := domain.QRSession{
		TransactionID: transactionID,
		Status:        domain.QRStatusPending,
		Amount:        amount,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.sessions.CreateQRSession(ctx, session); err != nil {
		return nil, err
	}
	t.metrics.QRTransition(domain.QRStatusPending)
	return &session, nil
}

// Status returns the current session, expiring it first when its time is up.
// Unknown ids yield store.ErrNotFound.
func (t *Tracker) Status(ctx context.Context, transactionID int64) (*domain.QRSession, error) {
	session, err := t.sessions.GetQRSession(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return t.expireIfDue(ctx, session)
}

// MarkPaid confirms payment. Repeating it is a no-op success. An id with no
// session is accepted as an out-of-band confirmation and recorded with a zero
// amount and OutOfBand set.
func (t *Tracker) MarkPaid(ctx context.Context, transactionID int64) (*domain.QRSession, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		now := t.now()
		session, err := t.sessions.TransitionQRSession(ctx, transactionID,
			[]string{domain.QRStatusPending, domain.QRStatusExpired}, domain.QRStatusPaid, now)
		switch {
		case err == nil:
			t.metrics.QRTransition(domain.QRStatusPaid)
			t.logger.Info("qr session paid", zap.Int64("transaction_id", transactionID))
			return session, nil
		case errors.Is(err, store.ErrSessionClosed):
			if session != nil && session.Status == domain.QRStatusPaid {
				return session, nil
			}
			return session, err
		case errors.Is(err, store.ErrNotFound):
			seeded := domain.QRSession{
				TransactionID: transactionID,
				Status:        domain.QRStatusPaid,
				Amount:        decimal.Zero,
				OutOfBand:     true,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			err := t.sessions.CreateQRSession(ctx, seeded)
			if errors.Is(err, store.ErrDuplicate) {
				// Opened concurrently; retry as a regular transition.
				lastErr = err
				continue
			}
			if err != nil {
				return nil, err
			}
			t.metrics.QRTransition(domain.QRStatusPaid)
			t.logger.Warn("qr payment confirmed for untracked transaction",
				zap.Int64("transaction_id", transactionID),
				zap.Bool("out_of_band", true))
			return &seeded, nil
		default:
			return nil, err
		}
	}
	return nil, lastErr
}

// Cancel moves a pending session to canceled. Canceling twice is a no-op
// success; paid and expired sessions return store.ErrSessionClosed.
func (t *Tracker) Cancel(ctx context.Context, transactionID int64) (*domain.QRSession, error) {
	current, err := t.Status(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case domain.QRStatusCanceled:
		return current, nil
	case domain.QRStatusPending:
	default:
		return current, store.ErrSessionClosed
	}

	session, err := t.sessions.TransitionQRSession(ctx, transactionID,
		[]string{domain.QRStatusPending}, domain.QRStatusCanceled, t.now())
	if err != nil {
		if errors.Is(err, store.ErrSessionClosed) && session != nil && session.Status == domain.QRStatusCanceled {
			return session, nil
		}
		return session, err
	}
	t.metrics.QRTransition(domain.QRStatusCanceled)
	t.logger.Info("qr session canceled", zap.Int64("transaction_id", transactionID))
	return session, nil
}

func (t *Tracker) expireIfDue(ctx context.Context, session *domain.QRSession) (*domain.QRSession, error) {
	if session.Status != domain.QRStatusPending {
		return session, nil
	}
	now := t.now()
	if now.Sub(session.CreatedAt) < t.ttl {
		return session, nil
	}

	expired, err := t.sessions.TransitionQRSession(ctx, session.TransactionID,
		[]string{domain.QRStatusPending}, domain.QRStatusExpired, now)
	if errors.Is(err, store.ErrSessionClosed) {
		// Lost the race to another transition; report whatever won.
		return expired, nil
	}
	if err != nil {
		return nil, err
	}
	t.metrics.QRTransition(domain.QRStatusExpired)
	return expired, nil
}
