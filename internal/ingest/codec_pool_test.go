package ingest

import (
	"encoding/json"
	"testing"

	"permitalert/internal/domain"
)

func TestDecodePermitPayloadIntoSingle(t *testing.T) {
	t.Parallel()

	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)

	result, err := decodePermitPayloadInto([]byte(testPermitJSON("p1")), scratch)
	if err != nil {
		t.Fatalf("decode single payload: %v", err)
	}
	if len(result.permits) != 1 || len(result.rejected) != 0 {
		t.Fatalf("expected one permit, got %d (rejected %d)", len(result.permits), len(result.rejected))
	}
	if result.permits[0].County == nil || *result.permits[0].County != "Midland" {
		t.Fatalf("unexpected county: %v", result.permits[0].County)
	}
}

func TestDecodePermitPayloadIntoBatchSkipsInvalid(t *testing.T) {
	t.Parallel()

	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)

	payload := "[" + testPermitJSON("p1") + `,{"id":"p2"},` + testPermitJSON("p3") + "]"
	result, err := decodePermitPayloadInto([]byte(payload), scratch)
	if err != nil {
		t.Fatalf("decode batch payload: %v", err)
	}
	if len(result.permits) != 2 {
		t.Fatalf("expected two permits, got %d", len(result.permits))
	}
	if result.permits[1].ID != "p3" {
		t.Fatalf("unexpected second permit: %q", result.permits[1].ID)
	}
	if len(result.rejected) != 1 || result.rejected[0].Index != 1 {
		t.Fatalf("unexpected rejections %+v", result.rejected)
	}
}

func TestDecodePermitPayloadRejectsUnreadable(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":          "  ",
		"empty batch":    "[]",
		"trailing":       testPermitJSON("p1") + " {}",
		"not json":       "permit",
		"invalid single": `{"id":"p1"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			scratch := acquireDecodeScratch()
			defer releaseDecodeScratch(scratch)
			if _, err := decodePermitPayloadInto([]byte(payload), scratch); err == nil {
				t.Fatalf("expected decode error for %q", payload)
			}
		})
	}
}

func TestReleaseDecodeScratchDropsOversizedBuffer(t *testing.T) {
	t.Parallel()

	scratch := &decodeScratch{
		raw:     make([]json.RawMessage, 0, maxPooledBatchCapacity+1),
		permits: make([]domain.CleanPermit, 0, maxPooledBatchCapacity+1),
	}
	releaseDecodeScratch(scratch)
	if cap(scratch.permits) > maxPooledBatchCapacity || cap(scratch.raw) > maxPooledBatchCapacity {
		t.Fatalf("expected capped pooled capacity, got %d/%d", cap(scratch.permits), cap(scratch.raw))
	}
}
