package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mellowdrifter/pdufabric/internal/pduqueue"
)

func TestQueuePolicy(t *testing.T) {
	cases := []struct {
		queueType string
		want      pduqueue.OverflowPolicy
		wantErr   bool
	}{
		{"block", pduqueue.Block, false},
		{"drop", pduqueue.Drop, false},
		{"callback", pduqueue.Callback, false},
		{"throw", pduqueue.Throw, false},
		{"bogus", 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.queueType, func(t *testing.T) {
			cfg := &Config{QueueType: tc.queueType}
			got, err := cfg.QueuePolicy()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
