package backend

import (
	"context"
	"time"
)

// EsploraBackend implements Backend using the Esplora API (blockstream.info).
// Esplora shares the mempool.space endpoints except for fee estimates.
type EsploraBackend struct {
	*MempoolBackend
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string, timeout time.Duration) *EsploraBackend {
	return &EsploraBackend{
		MempoolBackend: NewMempoolBackend(baseURL, timeout),
	}
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

// GetFeeEstimates maps esplora confirmation targets onto FeeEstimate.
func (e *EsploraBackend) GetFeeEstimates(ctx context.Context) (*FeeEstimate, error) {
	var result map[string]float64
	if err := e.get(ctx, "/fee-estimates", &result); err != nil {
		return nil, err
	}

	return &FeeEstimate{
		FastestFee:  ceil(result["1"]),
		HalfHourFee: ceil(result["3"]),
		HourFee:     ceil(result["6"]),
		EconomyFee:  ceil(result["144"]),
		MinimumFee:  1, // not provided
	}, nil
}

func ceil(f float64) uint64 {
	n := uint64(f)
	if float64(n) < f {
		n++
	}
	return n
}

// Ensure EsploraBackend implements Backend
var _ Backend = (*EsploraBackend)(nil)
