// Package pairing turns pairing payloads into QR images that can be embedded in HTML.
package pairing

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/sync/singleflight"
)

const (
	dataURLPrefix = "data:image/png;base64,"

	defaultSize     = 256
	defaultCapacity = 64
)

var ErrEmptyPayload = errors.New("pairing payload is empty")

// Renderer encodes pairing payloads as PNG QR codes. Rendering is a pure function of
// the payload, so results are cached and concurrent requests for the same payload
// share one encode.
type Renderer struct {
	size     int
	capacity int
	level    qrcode.RecoveryLevel

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]string
	order []string
}

type Option func(*Renderer)

// WithSize sets the image edge length in pixels.
func WithSize(px int) Option {
	return func(r *Renderer) { r.size = px }
}

// WithCapacity bounds how many rendered payloads are kept.
func WithCapacity(n int) Option {
	return func(r *Renderer) { r.capacity = n }
}

func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{
		size:     defaultSize,
		capacity: defaultCapacity,
		level:    qrcode.Medium,
		cache:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.capacity < 1 {
		r.capacity = 1
	}
	return r
}

// DataURL returns payload rendered as a data:image/png;base64 URL.
func (r *Renderer) DataURL(ctx context.Context, payload string) (string, error) {
	if payload == "" {
		return "", ErrEmptyPayload
	}
	if url, ok := r.cached(payload); ok {
		return url, nil
	}

	ch := r.group.DoChan(payload, func() (any, error) {
		png, err := qrcode.Encode(payload, r.level, r.size)
		if err != nil {
			return nil, fmt.Errorf("failed to encode pairing QR code: %w", err)
		}
		url := dataURLPrefix + base64.StdEncoding.EncodeToString(png)
		r.store(payload, url)
		return url, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Renderer) cached(payload string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	url, ok := r.cache[payload]
	return url, ok
}

// store keeps the newest entries, evicting the oldest once capacity is reached.
func (r *Renderer) store(payload, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cache[payload]; ok {
		return
	}
	if len(r.order) >= r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.cache, oldest)
	}
	r.cache[payload] = url
	r.order = append(r.order, payload)
}
