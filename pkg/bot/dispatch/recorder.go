package dispatch

import (
	"github.com/voxgate/voxgate/pkg/bot/core"
	"github.com/voxgate/voxgate/pkg/bot/ledger"
	"github.com/voxgate/voxgate/pkg/bot/metrics"
)

// UsageRecorder fans ledger records out to Prometheus. The ledger stays the
// source of truth for billing; the metrics mirror is best-effort telemetry.
type UsageRecorder struct {
	Ledger  *ledger.Ledger
	Metrics *metrics.Metrics
	Prices  ledger.PriceTable
}

func (r *UsageRecorder) RecordTokens(user core.UserID, count int64) {
	r.Ledger.RecordTokens(user, count)
	if r.Metrics != nil {
		r.Metrics.RecordTokens(count)
		r.Metrics.RecordCost(ledger.Metrics{Tokens: count}.Cost(r.Prices))
	}
}

func (r *UsageRecorder) RecordTranscription(user core.UserID, seconds float64) {
	r.Ledger.RecordTranscription(user, seconds)
	if r.Metrics != nil {
		r.Metrics.RecordTranscription(seconds)
		r.Metrics.RecordCost(ledger.Metrics{TranscriptionSeconds: seconds}.Cost(r.Prices))
	}
}

func (r *UsageRecorder) RecordSynthesis(user core.UserID, characters int64) {
	r.Ledger.RecordSynthesis(user, characters)
	if r.Metrics != nil {
		r.Metrics.RecordSynthesis(characters)
		r.Metrics.RecordCost(ledger.Metrics{TTSCharacters: characters}.Cost(r.Prices))
	}
}
