package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressChannel(t *testing.T) {
	assert.Equal(t, "doc:job-1:progress", ProgressChannel("job-1"))
}

func TestPageProgress_TwelvePages(t *testing.T) {
	// The canonical 12-page ladder; 100 is reserved for completion.
	want := []int{8, 16, 24, 32, 40, 48, 55, 63, 71, 79, 87, 95}
	for p := 1; p <= 12; p++ {
		assert.Equal(t, want[p-1], PageProgress(p, 12), "page %d", p)
	}
}

func TestPageProgress_NeverExceeds95(t *testing.T) {
	for total := 1; total <= 50; total++ {
		last := 0
		for p := 1; p <= total; p++ {
			got := PageProgress(p, total)
			assert.LessOrEqual(t, got, 95)
			assert.GreaterOrEqual(t, got, last, "non-decreasing within a run")
			last = got
		}
		assert.Equal(t, 95, PageProgress(total, total))
	}
}

func TestPageProgress_ZeroTotal(t *testing.T) {
	assert.Equal(t, 0, PageProgress(1, 0))
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
}
