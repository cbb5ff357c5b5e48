package sink

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/srg/blesync/internal/telemetry"
	"github.com/srg/blesync/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func records() []telemetry.Record {
	return []telemetry.Record{
		{Timestamp: 1_700_000_000_000, Values: map[string]float64{"temperature": 21.5, "battery": 3.3}},
		{Timestamp: 1_700_000_060_000, Values: map[string]float64{"temperature": -1.5, "battery": 3.29}},
	}
}

func TestEncodeGatewayTelemetry(t *testing.T) {
	// GOAL: Verify the gateway payload layout and its deterministic key order
	//
	// TEST SCENARIO: Two records → device keyed array → ts before values, values sorted by name

	payload, err := EncodeGatewayTelemetry("greenhouse-1", records())
	require.NoError(t, err)

	assert.Equal(t,
		`{"greenhouse-1":[`+
			`{"ts":1700000000000,"values":{"battery":3.3,"temperature":21.5}},`+
			`{"ts":1700000060000,"values":{"battery":3.29,"temperature":-1.5}}]}`,
		string(payload), "payload MUST be byte-for-byte stable")

	testutils.NewJSONAsserter(t).Assert(string(payload), `{
		"greenhouse-1": [
			{"ts": 1700000000000, "values": {"temperature": 21.5, "battery": 3.3}},
			{"ts": 1700000060000, "values": {"temperature": -1.5, "battery": 3.29}}
		]
	}`)
}

func TestEncodeGatewayTelemetryTimestampOnly(t *testing.T) {
	payload, err := EncodeGatewayTelemetry("aa:bb", []telemetry.Record{{Timestamp: 5000, Values: map[string]float64{}}})
	require.NoError(t, err)
	assert.Equal(t, `{"aa:bb":[{"ts":5000,"values":{}}]}`, string(payload))
}

func TestWriterPrintsOneLinePerBatch(t *testing.T) {
	// GOAL: Verify the stdout sink emits newline-delimited JSON objects
	//
	// TEST SCENARIO: Two publishes → two lines → each a complete gateway payload

	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Publish(context.Background(), "dev-a", records()[:1]))
	require.NoError(t, w.Publish(context.Background(), "dev-b", records()[1:]))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2, "MUST write exactly one line per batch")
	assert.Equal(t, `{"dev-a":[{"ts":1700000000000,"values":{"battery":3.3,"temperature":21.5}}]}`, lines[0])
	assert.Equal(t, `{"dev-b":[{"ts":1700000060000,"values":{"battery":3.29,"temperature":-1.5}}]}`, lines[1])
}

type closingSink struct {
	*testutils.RecordingSink
	closed int
}

func (c *closingSink) Close() error {
	c.closed++
	return nil
}

func TestMultiAttemptsEverySink(t *testing.T) {
	// GOAL: Verify a failing sink does not hide the batch from the others
	//
	// TEST SCENARIO: first sink fails → second still receives the batch → error reported

	failing := testutils.NewRecordingSink().FailWith(errors.New("broker down"))
	ok := &closingSink{RecordingSink: testutils.NewRecordingSink()}
	m := Multi{failing, ok}

	err := m.Publish(context.Background(), "dev", records())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, ok.Records("dev"), 2, "healthy sink MUST receive the batch")
	assert.Len(t, failing.Records("dev"), 2, "failing sink MUST have been attempted")

	require.NoError(t, m.Close())
	assert.Equal(t, 1, ok.closed, "closers MUST be closed")
}

func TestFuncAdapter(t *testing.T) {
	var got string
	s := Func(func(_ context.Context, deviceID string, _ []telemetry.Record) error {
		got = deviceID
		return nil
	})
	require.NoError(t, s.Publish(context.Background(), "x", nil))
	assert.Equal(t, "x", got)
}
