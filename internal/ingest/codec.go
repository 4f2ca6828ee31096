package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"permitalert/internal/domain"
)

const maxPooledBatchCapacity = 4096

// PermitSink receives decoded permits from ingest interfaces.
// Params: request or subscriber context and validated permit payload.
// Returns: processing error.
type PermitSink interface {
	Push(ctx context.Context, permit domain.CleanPermit) error
}

// batchPermitSink is optional fast path for whole batches.
// Sinks must not retain the slice after PushBatch returns.
type batchPermitSink interface {
	PushBatch(ctx context.Context, permits []domain.CleanPermit) error
}

// Observer receives ingest counters.
type Observer interface {
	ObserveIngest(source string, valid, invalid int)
}

// Rejection describes one permit dropped from a batch.
type Rejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// decodeResult is one decoded payload split into valid permits and rejections.
type decodeResult struct {
	permits  []domain.CleanPermit
	rejected []Rejection
}

type decodeScratch struct {
	raw     []json.RawMessage
	permits []domain.CleanPermit
}

var decodeScratchPool = sync.Pool{
	New: func() any {
		return &decodeScratch{
			raw:     make([]json.RawMessage, 0, 16),
			permits: make([]domain.CleanPermit, 0, 16),
		}
	},
}

// decodeSinglePermit decodes one permit and rejects trailing JSON tokens.
// Params: json decoder for a single permit object.
// Returns: validated permit or decode error.
func decodeSinglePermit(decoder *json.Decoder) (domain.CleanPermit, error) {
	permit, err := domain.DecodePermitReader(decoder)
	if err != nil {
		return domain.CleanPermit{}, err
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return domain.CleanPermit{}, err
	}
	return permit, nil
}

// decodePermitPayloadInto auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array, and pooled scratch buffers.
// Returns: valid permits plus per-record rejections, or error for unreadable payloads.
func decodePermitPayloadInto(raw []byte, scratch *decodeScratch) (decodeResult, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return decodeResult{}, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] == '[' {
		return decodeBatchPermitsInto(decoder, scratch)
	}
	permit, err := decodeSinglePermit(decoder)
	if err != nil {
		return decodeResult{}, err
	}
	permits := scratch.permits[:0]
	permits = append(permits, permit)
	scratch.permits = permits
	return decodeResult{permits: permits}, nil
}

// decodeBatchPermitsInto decodes an array and validates each element on its own.
// A malformed element is reported and skipped; the rest of the batch proceeds.
func decodeBatchPermitsInto(decoder *json.Decoder, scratch *decodeScratch) (decodeResult, error) {
	raw := scratch.raw[:0]
	if err := decoder.Decode(&raw); err != nil {
		return decodeResult{}, fmt.Errorf("decode permit batch: %w", err)
	}
	scratch.raw = raw
	if len(raw) == 0 {
		return decodeResult{}, errors.New("permit batch must contain at least one permit")
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return decodeResult{}, err
	}

	result := decodeResult{permits: scratch.permits[:0]}
	for i := range raw {
		permit, err := domain.DecodePermit(raw[i])
		if err != nil {
			result.rejected = append(result.rejected, Rejection{Index: i, Error: err.Error()})
			continue
		}
		result.permits = append(result.permits, permit)
	}
	scratch.permits = result.permits
	return result, nil
}

func acquireDecodeScratch() *decodeScratch {
	return decodeScratchPool.Get().(*decodeScratch)
}

func releaseDecodeScratch(scratch *decodeScratch) {
	if scratch == nil {
		return
	}
	for i := range scratch.permits {
		scratch.permits[i] = domain.CleanPermit{}
	}
	for i := range scratch.raw {
		scratch.raw[i] = nil
	}
	if cap(scratch.permits) > maxPooledBatchCapacity {
		scratch.permits = make([]domain.CleanPermit, 0, 16)
	} else {
		scratch.permits = scratch.permits[:0]
	}
	if cap(scratch.raw) > maxPooledBatchCapacity {
		scratch.raw = make([]json.RawMessage, 0, 16)
	} else {
		scratch.raw = scratch.raw[:0]
	}
	decodeScratchPool.Put(scratch)
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

// pushPermits sends permits to sink with optional batch support.
// Params: caller context, permit sink, and permit slice.
// Returns: first push error or nil.
func pushPermits(ctx context.Context, sink PermitSink, permits []domain.CleanPermit) error {
	if len(permits) == 0 {
		return nil
	}
	if batchSink, ok := sink.(batchPermitSink); ok {
		return batchSink.PushBatch(ctx, permits)
	}
	for _, permit := range permits {
		if err := sink.Push(ctx, permit); err != nil {
			return err
		}
	}
	return nil
}

func observe(observer Observer, source string, valid, invalid int) {
	if observer == nil {
		return
	}
	observer.ObserveIngest(source, valid, invalid)
}
