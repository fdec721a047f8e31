package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	inbound  [][]byte
	idx      int
	outbound []json.RawMessage
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.inbound) {
		return 0, nil, io.EOF
	}
	m := f.inbound[f.idx]
	f.idx++
	return 1, m, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.outbound = append(f.outbound, json.RawMessage(cp))
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) types(t *testing.T) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.outbound))
	for i, raw := range f.outbound {
		var env envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		out[i] = env.Type
	}
	return out
}

func msg(t *testing.T, v map[string]any) []byte {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func runSession(t *testing.T, conn *fakeConn, originAllowed bool) {
	t.Helper()
	s := New(conn, originAllowed, Deps{Version: "test", Lock: NewCaptureLock()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Run(ctx))
}

func TestSessionRequiresHelloFirst(t *testing.T) {
	conn := &fakeConn{inbound: [][]byte{
		msg(t, map[string]any{"type": "get_version"}),
	}}
	runSession(t, conn, true)
	assert.Equal(t, []string{"error"}, conn.types(t))
}

func TestSessionHelloAckReflectsOriginAllowed(t *testing.T) {
	conn := &fakeConn{inbound: [][]byte{
		msg(t, map[string]any{"type": "hello", "client": "ui", "nonce": "abc"}),
	}}
	runSession(t, conn, false)

	require.Len(t, conn.outbound, 1)
	var ack helloAckOut
	require.NoError(t, json.Unmarshal(conn.outbound[0], &ack))
	assert.Equal(t, "hello_ack", ack.Type)
	assert.False(t, ack.OriginAllowed)
	assert.Equal(t, "test", ack.Version)
}

func TestSessionStopWhileIdleIsStateError(t *testing.T) {
	conn := &fakeConn{inbound: [][]byte{
		msg(t, map[string]any{"type": "hello", "client": "ui", "nonce": "abc"}),
		msg(t, map[string]any{"type": "stop"}),
	}}
	runSession(t, conn, true)
	assert.Equal(t, []string{"hello_ack", "error"}, conn.types(t))
}

func TestSessionUnknownMessageTypeIsProtocolError(t *testing.T) {
	conn := &fakeConn{inbound: [][]byte{
		msg(t, map[string]any{"type": "hello", "client": "ui", "nonce": "abc"}),
		msg(t, map[string]any{"type": "not_a_real_message"}),
	}}
	runSession(t, conn, true)

	require.Len(t, conn.outbound, 2)
	var errOut errorOut
	require.NoError(t, json.Unmarshal(conn.outbound[1], &errOut))
	assert.Equal(t, "error", errOut.Type)
	assert.Equal(t, "protocol_error", errOut.Code)
}

func TestSessionCalibrateAppliesIdentityMapping(t *testing.T) {
	conn := &fakeConn{inbound: [][]byte{
		msg(t, map[string]any{"type": "hello", "client": "ui", "nonce": "abc"}),
		msg(t, map[string]any{"type": "calibrate", "spl_ref_db": 94.0, "rms_dbfs": -20.0}),
	}}
	runSession(t, conn, true)

	require.Len(t, conn.outbound, 2)
	var done calibrationDoneOut
	require.NoError(t, json.Unmarshal(conn.outbound[1], &done))
	assert.Equal(t, "calibration_done", done.Type)
	assert.Equal(t, 1.0, done.Slope)
	assert.InDelta(t, 114.0, done.Offset, 1e-9)
}

func TestSessionDelayFreezeWhileIdleIsStateError(t *testing.T) {
	conn := &fakeConn{inbound: [][]byte{
		msg(t, map[string]any{"type": "hello", "client": "ui", "nonce": "abc"}),
		msg(t, map[string]any{"type": "delay_freeze", "enable": true}),
	}}
	runSession(t, conn, true)
	assert.Equal(t, []string{"hello_ack", "error"}, conn.types(t))
}

func TestCaptureLockMutualExclusion(t *testing.T) {
	lock := NewCaptureLock()
	a := &Session{}
	b := &Session{}

	assert.True(t, lock.tryAcquire(a))
	assert.False(t, lock.tryAcquire(b))
	lock.release(a)
	assert.True(t, lock.tryAcquire(b))
}

func TestParseWindowDefaultsToHann(t *testing.T) {
	assert.Equal(t, 0, int(parseWindow("")))
	assert.Equal(t, int(parseWindow("kaiser")), 1)
	assert.Equal(t, int(parseWindow("blackman")), 2)
}

func TestParseGeneratorTypeUnknown(t *testing.T) {
	_, err := parseGeneratorType("not-a-type")
	assert.Error(t, err)

	typ, err := parseGeneratorType("sine_sweep")
	require.NoError(t, err)
	assert.Equal(t, "sine_sweep", typ.String())
}
