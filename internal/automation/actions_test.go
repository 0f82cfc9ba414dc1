package automation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileClosedVariantSet(t *testing.T) {
	kinds := []string{ActionSendEmail, ActionSendWhatsApp, ActionCreateTask, ActionTagContact, ActionWait}
	for _, kind := range kinds {
		a, err := Compile(ActionSpec{Type: kind})
		require.NoError(t, err, kind)
		assert.Equal(t, kind, a.Kind())
	}

	_, err := Compile(ActionSpec{Type: "bogus"})
	assert.Error(t, err)
}

func TestWaitDuration(t *testing.T) {
	tests := []struct {
		duration float64
		unit     string
		want     time.Duration
	}{
		{5, "minutes", 5 * time.Minute},
		{2, "hours", 2 * time.Hour},
		{1, "days", 24 * time.Hour},
		{1.5, "hours", 90 * time.Minute},
		{3, "fortnights", 3 * time.Minute}, // unknown unit falls back to minutes
	}

	for _, tt := range tests {
		a := &WaitAction{Duration: tt.duration, Unit: tt.unit}
		assert.Equal(t, tt.want, a.WaitDuration(), "%v %s", tt.duration, tt.unit)
	}
}

func TestWaitActionBlockHonorsCancellation(t *testing.T) {
	a := &WaitAction{Duration: 1, Unit: "hours"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := a.run(ctx, &Deps{WaitPolicy: WaitPolicyBlock}, Context{})
	assert.False(t, res.Success)
	assert.Equal(t, int64(time.Hour/time.Millisecond), res.Output["waitMs"])
}

func TestWaitActionReportDoesNotBlock(t *testing.T) {
	a := &WaitAction{Duration: 1, Unit: "days"}

	start := time.Now()
	res := a.run(context.Background(), &Deps{WaitPolicy: WaitPolicyReport}, Context{})
	assert.True(t, res.Success)
	assert.Equal(t, int64(24*time.Hour/time.Millisecond), res.Output["waitMs"])
	assert.Less(t, time.Since(start), time.Second)
}
