// Package server implements the untrusted bucket storage server: it holds
// the physical bucket array and answers READ_BUCKET, WRITE_BUCKET and
// READ_PATH requests, including the slot consumption a path read performs.
package server

import (
	"context"
	"fmt"

	ringoram "github.com/etclab/ringoram-go"
	"github.com/etclab/ringoram-go/wire"
	"k8s.io/klog/v2"
)

// Handler executes decoded requests against a BucketStore.
type Handler struct {
	backend *ringoram.LocalBackend
	metrics *Metrics
}

// NewHandler serves store, whose size must be 2^(L+1)-1 buckets for some
// tree height L. rng drives dummy-slot choice on path reads.
func NewHandler(store ringoram.BucketStore, rng ringoram.Rand) (*Handler, error) {
	n := store.NumBuckets()
	height := ringoram.LevelOf(n - 1)
	if n <= 0 || n != (1<<(height+1))-1 {
		return nil, fmt.Errorf("%w: %d buckets is not a complete binary tree", ringoram.ErrInvalidConfig, n)
	}
	return &Handler{
		backend: ringoram.NewLocalBackend(store, height, rng),
		metrics: NewMetrics(nil),
	}, nil
}

// SetMetrics replaces the handler's collectors.
func (h *Handler) SetMetrics(m *Metrics) {
	h.metrics = m
}

// Height returns the tree height L of the served store.
func (h *Handler) Height() int {
	return h.backend.Height()
}

// Handle executes one request and returns the response result code and
// payload. Failures are logged and reported as wire.ResultFailed with an
// empty payload.
func (h *Handler) Handle(ctx context.Context, op wire.Op, payload []byte) (uint32, []byte) {
	resp, err := h.handle(ctx, op, payload)
	if err != nil {
		klog.Warningf("%v request failed: %v", op, err)
		h.metrics.Requests.WithLabelValues(op.String(), "failed").Inc()
		return wire.ResultFailed, nil
	}
	h.metrics.Requests.WithLabelValues(op.String(), "ok").Inc()
	return wire.ResultOK, resp
}

func (h *Handler) handle(ctx context.Context, op wire.Op, payload []byte) ([]byte, error) {
	switch op {
	case wire.OpReadBucket:
		pos, err := wire.DecodeReadBucket(payload)
		if err != nil {
			return nil, err
		}
		bkt, err := h.backend.ReadBucket(ctx, pos)
		if err != nil {
			return nil, err
		}
		return wire.EncodeBucket(bkt)

	case wire.OpWriteBucket:
		pos, bkt, err := wire.DecodeWriteBucket(payload)
		if err != nil {
			return nil, err
		}
		return nil, h.backend.WriteBucket(ctx, pos, bkt)

	case wire.OpReadPath:
		leaf, blockIndex, err := wire.DecodeReadPath(payload)
		if err != nil {
			return nil, err
		}
		data, found, err := h.backend.ReadPath(ctx, leaf, blockIndex)
		if err != nil {
			return nil, err
		}
		resp, truncated := wire.EncodePathResult(data, found, wire.MaxPathPayload)
		if truncated {
			h.metrics.PathTruncations.Inc()
			klog.Warningf("READ_PATH block %d: %d bytes truncated to %d", blockIndex, len(data), wire.MaxPathPayload)
		}
		klog.V(2).Infof("READ_PATH leaf=%d block=%d found=%v", leaf, blockIndex, found)
		return resp, nil

	default:
		return nil, fmt.Errorf("%w: unknown request type %d", ringoram.ErrProtocol, uint32(op))
	}
}
