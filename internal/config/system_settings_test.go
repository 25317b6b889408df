package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DATABASE_TYPE_SQLLITE, s.DatabaseType)
	assert.Equal(t, "8080", s.ServerWebPort)
	assert.Equal(t, 3*time.Second, s.Engine.ScanInterval)
	assert.Equal(t, 2*time.Minute, s.Engine.ClaimLease)
	assert.Equal(t, 5, s.Engine.MaxAttempts)
	assert.Equal(t, EVENT_BUS_GOCHANNEL, s.EventBus)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CFLOW_ENGINE_SCAN_INTERVAL", "500ms")
	t.Setenv("CFLOW_ENGINE_MAX_ATTEMPTS", "9")
	t.Setenv("CFLOW_KAFKA_BROKERS", "a:9092,b:9092")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, s.Engine.ScanInterval)
	assert.Equal(t, 9, s.Engine.MaxAttempts)
	assert.Equal(t, []string{"a:9092", "b:9092"}, s.KafkaBrokers)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown database", map[string]string{"CFLOW_DATABASE_TYPE": "ORACLE"}},
		{"postgres without url", map[string]string{"CFLOW_DATABASE_TYPE": "POSTGRES"}},
		{"mysql without parseTime", map[string]string{"CFLOW_DATABASE_TYPE": "MYSQL", "CFLOW_DATABASE_URL": "mysql://u:p@tcp(db)/x"}},
		{"kafka without brokers", map[string]string{"CFLOW_EVENT_BUS": "kafka"}},
		{"bad timezone", map[string]string{"CFLOW_ENGINE_TIMEZONE": "Mars/Olympus"}},
		{"bad duration", map[string]string{"CFLOW_ENGINE_CLAIM_LEASE": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestResolveExecutorName(t *testing.T) {
	s := &Settings{ExecutorName: "worker-a"}
	assert.Equal(t, "worker-a", s.ResolveExecutorName())

	s.ExecutorName = ""
	assert.NotEmpty(t, s.ResolveExecutorName())
}
