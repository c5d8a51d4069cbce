package audit

import (
	"context"
	"errors"
	"fmt"

	"entitycore.org/internal/obs"
)

// VerificationError reports the first chain violation found, naming the
// offending sequence. It signals an operational incident, not a bad request.
type VerificationError struct {
	Sequence uint64
	Reason   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("audit: verification failed at sequence %d: %s", e.Sequence, e.Reason)
}

// VerificationResult summarizes a successful verification run.
type VerificationResult struct {
	Checked       int    `json:"checked"`
	StartSequence uint64 `json:"start_sequence"`
	EndSequence   uint64 `json:"end_sequence"`
}

// Verifier recomputes entry digests to detect tampering, gaps, or reordering.
type Verifier struct {
	store Store
}

// NewVerifier constructs a verifier over the given store.
func NewVerifier(store Store) *Verifier {
	return &Verifier{store: store}
}

// Verify walks entries with sequence in [start, end] (zero bounds are open)
// and checks sequence contiguity, previous-hash linkage, and the recomputed
// entry digest. The first violation aborts the run; partial progress is never
// reported as passing.
func (v *Verifier) Verify(ctx context.Context, start, end uint64) (VerificationResult, error) {
	entries, err := v.store.Range(ctx, start, end)
	if err != nil {
		return VerificationResult{}, err
	}
	if len(entries) == 0 {
		return VerificationResult{Checked: 0, StartSequence: start, EndSequence: end}, nil
	}

	previousHash := GenesisHash
	previousSequence := entries[0].Sequence - 1
	if entries[0].Sequence > 1 {
		predecessor, err := v.store.BySequence(ctx, entries[0].Sequence-1)
		if errors.Is(err, ErrNoEntry) {
			return VerificationResult{}, v.fail(entries[0].Sequence-1, "missing preceding entry")
		}
		if err != nil {
			return VerificationResult{}, err
		}
		previousHash = predecessor.EntryHash
	}

	checked := 0
	for _, entry := range entries {
		expected := previousSequence + 1
		if entry.Sequence != expected {
			return VerificationResult{}, v.fail(entry.Sequence, fmt.Sprintf("sequence gap, expected %d", expected))
		}

		recompute := entry
		recompute.PreviousHash = previousHash
		canonical, err := CanonicalPayload(recompute)
		if err != nil {
			return VerificationResult{}, err
		}
		expectedHash := ComputeEntryHash(previousHash, canonical)

		if entry.PreviousHash != previousHash || entry.EntryHash != expectedHash {
			return VerificationResult{}, v.fail(entry.Sequence, "hash mismatch")
		}

		previousHash = entry.EntryHash
		previousSequence = entry.Sequence
		checked++
	}

	return VerificationResult{
		Checked:       checked,
		StartSequence: entries[0].Sequence,
		EndSequence:   entries[len(entries)-1].Sequence,
	}, nil
}

func (v *Verifier) fail(sequence uint64, reason string) error {
	obs.AuditVerifyFailures.Inc()
	obs.LogEvent("audit.verify_failed", map[string]any{
		"sequence": sequence,
		"reason":   reason,
	})
	return &VerificationError{Sequence: sequence, Reason: reason}
}
