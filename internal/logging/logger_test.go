package logging

import (
	"bytes"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}

func TestInit_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	log := Job("job-1")
	log.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"jobId":"job-1"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestInit_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "error", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	Info().Msg("dropped")
	assert.Empty(t, buf.String())
}

func TestAsynqLevel(t *testing.T) {
	assert.Equal(t, asynq.DebugLevel, AsynqLevel("debug"))
	assert.Equal(t, asynq.ErrorLevel, AsynqLevel("error"))
	assert.Equal(t, asynq.InfoLevel, AsynqLevel(""))
}
