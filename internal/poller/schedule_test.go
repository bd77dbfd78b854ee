package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 11, 20, 10, 3, 0, 0, time.UTC)
	cases := []struct {
		raw      string
		spec     string
		wantNext time.Time
	}{
		{raw: "", spec: "every 10m0s", wantNext: base.Add(10 * time.Minute)},
		{raw: "55m", spec: "every 55m0s", wantNext: base.Add(55 * time.Minute)},
		{raw: "02:30", spec: "every 2h30m0s", wantNext: base.Add(150 * time.Minute)},
		{raw: "interval:00:10", spec: "every 10m0s", wantNext: base.Add(10 * time.Minute)},
		{raw: "*/10 * * * *", spec: "cron:*/10 * * * *", wantNext: time.Date(2024, 11, 20, 10, 10, 0, 0, time.UTC)},
		{raw: "@hourly", spec: "cron:@hourly", wantNext: time.Date(2024, 11, 20, 11, 0, 0, 0, time.UTC)},
		{raw: "cron:@every 5m", spec: "cron:@every 5m", wantNext: base.Add(5 * time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			t.Parallel()

			s, err := ParseSchedule(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.spec, s.Spec)
			assert.Equal(t, tc.wantNext, s.Next(base))
		})
	}
}

func TestParseScheduleRejects(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"soon", "-5m", "0s", "01:75", "cron:", "cron:* * *", "interval:"} {
		_, err := ParseSchedule(raw)
		assert.Error(t, err, raw)
	}
}
