package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	line := Format(Fields{Service: "checkout", PaymentID: 9, Step: "seat_ledger", Status: "ok", DurationMS: 3}, at)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &got))
	assert.Equal(t, "checkout", got["service"])
	assert.Equal(t, float64(9), got["payment_id"])
	assert.Equal(t, "seat_ledger", got["step"])
	assert.Equal(t, "2026-03-01T12:00:00Z", got["timestamp"])
}

func TestLogWritesOneLine(t *testing.T) {
	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})

	Log(Fields{Service: "checkout", Status: "committed"})
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))
	assert.Contains(t, buf.String(), `"status":"committed"`)
}
