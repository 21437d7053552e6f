package service

import (
	"context"
	"errors"
	"strconv"

	"possale/backend/internal/domain"
	"possale/backend/internal/store"
)

// QRStatus never fails for an unknown id; it reports status "unknown".
func (s *Service) QRStatus(ctx context.Context, transactionID int64) (domain.QRStatusResponse, error) {
	session, err := s.tracker.Status(ctx, transactionID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.QRStatusResponse{Status: domain.QRStatusUnknown}, nil
	}
	if err != nil {
		return domain.QRStatusResponse{}, err
	}
	return toQRStatus(session), nil
}

func (s *Service) MarkQRPaid(ctx context.Context, transactionID int64) (domain.QRMarkPaidResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.QRMarkPaidResponse{}, err
	}

	session, err := s.tracker.MarkPaid(ctx, transactionID)
	if err != nil {
		return domain.QRMarkPaidResponse{}, err
	}

	action := "qr_mark_paid"
	if session.OutOfBand {
		action = "qr_mark_paid_untracked"
	}
	s.logAudit(ctx, action, "qr_session", strconv.FormatInt(transactionID, 10), "status="+session.Status)

	return domain.QRMarkPaidResponse{OK: true, Status: session.Status, OutOfBand: session.OutOfBand}, nil
}

func (s *Service) CancelQR(ctx context.Context, transactionID int64) (domain.QRStatusResponse, error) {
	session, err := s.tracker.Cancel(ctx, transactionID)
	if err != nil {
		return domain.QRStatusResponse{}, err
	}
	s.logAudit(ctx, "qr_cancel", "qr_session", strconv.FormatInt(transactionID, 10), "status="+session.Status)
	return toQRStatus(session), nil
}

// RenderQR draws an arbitrary payload, for clients re-displaying a code.
func (s *Service) RenderQR(payload string) ([]byte, error) {
	if payload == "" {
		return nil, invalidInput("data is required")
	}
	return s.renderer.PNG(payload)
}

func (s *Service) GetTransaction(ctx context.Context, id int64) (domain.Transaction, error) {
	tx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func toQRStatus(session *domain.QRSession) domain.QRStatusResponse {
	amount := session.Amount
	return domain.QRStatusResponse{
		TransactionID: session.TransactionID,
		Status:        session.Status,
		Amount:        &amount,
	}
}
