package qrpay

import (
	"errors"

	qrcode "github.com/skip2/go-qrcode"
)

var ErrEmptyPayload = errors.New("empty qr payload")

type Renderer interface {
	PNG(payload string) ([]byte, error)
}

// PNGRenderer draws square QR codes with medium error correction.
type PNGRenderer struct {
	Size int
}

func NewPNGRenderer() PNGRenderer {
	return PNGRenderer{Size: 256}
}

func (r PNGRenderer) PNG(payload string) ([]byte, error) {
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	size := r.Size
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(payload, qrcode.Medium, size)
}
