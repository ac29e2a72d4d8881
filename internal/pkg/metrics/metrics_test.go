package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCommand(t *testing.T) {
	before := testutil.ToFloat64(EscrowCommands.WithLabelValues("submit", "ok"))
	RecordCommand("submit", "ok")
	assert.Equal(t, before+1, testutil.ToFloat64(EscrowCommands.WithLabelValues("submit", "ok")))
}

func TestRecordReleaseSkipsNonPositive(t *testing.T) {
	c := ReleasedAmount.WithLabelValues("usdc", "platform")
	before := testutil.ToFloat64(c)
	RecordRelease("usdc", "platform", 0)
	RecordRelease("usdc", "platform", -5)
	RecordRelease("usdc", "platform", 2000)
	assert.Equal(t, before+2000, testutil.ToFloat64(c))
}
