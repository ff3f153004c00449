package models_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sap-alerte/fieldsync/internal/models"
)

func TestMessageFlattensPayload(t *testing.T) {
	msg, err := models.NewMessage(models.MsgOfflineRequest, models.OfflineRequestNotice{
		Method:    "POST",
		URL:       "http://localhost:8081/api/collectes",
		Timestamp: 1700000000000,
	})
	require.NoError(t, err)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "OFFLINE_REQUEST", raw["type"])
	assert.Equal(t, "POST", raw["method"])
	assert.Equal(t, "http://localhost:8081/api/collectes", raw["url"])
	assert.NotContains(t, raw, "Data")
}

func TestParsePageMessages(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, v interface{})
	}{
		{
			name:  "network status",
			input: `{"type":"NETWORK_STATUS","isOnline":false}`,
			check: func(t *testing.T, v interface{}) {
				status, ok := v.(*models.NetworkStatus)
				require.True(t, ok)
				assert.False(t, status.IsOnline)
			},
		},
		{
			name:  "skip waiting",
			input: `{"type":"SKIP_WAITING"}`,
			check: func(t *testing.T, v interface{}) {
				assert.Nil(t, v)
			},
		},
		{
			name:  "trigger sync",
			input: `{"type":"TRIGGER_SYNC","tag":"sync-collectes"}`,
			check: func(t *testing.T, v interface{}) {
				trigger, ok := v.(*models.TriggerSync)
				require.True(t, ok)
				assert.Equal(t, "sync-collectes", trigger.Tag)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := models.ParseMessage([]byte(tt.input))
			require.NoError(t, err)

			v, err := models.ParseMessageData(msg)
			require.NoError(t, err)
			tt.check(t, v)
		})
	}
}

func TestParseMessageErrors(t *testing.T) {
	_, err := models.ParseMessage([]byte(`{"isOnline":true}`))
	assert.Error(t, err)

	_, err = models.ParseMessage([]byte(`not json`))
	assert.Error(t, err)

	msg, err := models.ParseMessage([]byte(`{"type":"UNKNOWN"}`))
	require.NoError(t, err)
	_, err = models.ParseMessageData(msg)
	assert.ErrorContains(t, err, "unknown message type")
}

func TestConnectivityChangeTransitions(t *testing.T) {
	assert.True(t, models.ConnectivityChange{IsOnline: true, WasOnline: false}.CameOnline())
	assert.False(t, models.ConnectivityChange{IsOnline: true, WasOnline: true}.CameOnline())
	assert.True(t, models.ConnectivityChange{IsOnline: false, WasOnline: true}.WentOffline())
}

func TestQueuedMutationExhausted(t *testing.T) {
	m := &models.QueuedMutation{RetryCount: 4}
	assert.False(t, m.Exhausted(0))

	m.RetryCount = 5
	assert.True(t, m.Exhausted(0))
	assert.False(t, m.Exhausted(10))
}
