package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendCommand_AppendsNewline(t *testing.T) {
	port := NewFakePort(false)
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("!E2"))
	require.NoError(t, mux.SendCommand("E+\n"))
	assert.Equal(t, "!E2\nE+\n", string(port.Written()))
}

func TestSendCommand_WriteError(t *testing.T) {
	port := NewFakePort(false)
	port.FailWrite(errors.New("boom"))
	mux := NewSerialMux(port)

	assert.Error(t, mux.SendCommand("E+"))
}

func TestMonitor_FansOutChunks(t *testing.T) {
	port := NewFakePort(false)
	port.Feed([]byte{0x81, 0x02, 0x83, 0x84})
	mux := NewSerialMux(port)

	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	// non-blocking port returns EOF once drained, so Monitor ends cleanly
	require.NoError(t, mux.Monitor(context.Background()))

	for _, ch := range []chan []byte{a, b} {
		select {
		case chunk := <-ch:
			assert.Equal(t, []byte{0x81, 0x02, 0x83, 0x84}, chunk)
		default:
			t.Fatal("subscriber did not receive chunk")
		}
	}
	read, dropped := mux.Stats()
	assert.Equal(t, uint64(4), read)
	assert.Zero(t, dropped)
}

func TestMonitor_ReadError(t *testing.T) {
	port := NewFakePort(false)
	port.FailRead(errors.New("device unplugged"))
	mux := NewSerialMux(port)

	err := mux.Monitor(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unplugged")
}

func TestMonitor_ContextCancel(t *testing.T) {
	port := NewFakePort(true)
	mux := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	require.NoError(t, mux.Close())
	assert.True(t, port.IsClosed())
}

func TestUnsubscribeAndClose(t *testing.T) {
	mux := NewSerialMux(NewFakePort(false))
	id, ch := mux.Subscribe()
	mux.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after Unsubscribe")

	_, ch2 := mux.Subscribe()
	require.NoError(t, mux.Close())
	_, ok = <-ch2
	assert.False(t, ok, "channel should be closed after Close")
	require.NoError(t, mux.Close(), "second Close is a no-op")
}

func TestOpenSerialMux_UsesOpener(t *testing.T) {
	port := NewFakePort(false)
	var gotPath string
	var gotOpts PortOptions
	opener := func(path string, opts PortOptions) (SerialPorter, error) {
		gotPath, gotOpts = path, opts
		return port, nil
	}

	mux, err := OpenSerialMux("/dev/ttyUSB0", PortOptions{BaudRate: 115200}, opener)
	require.NoError(t, err)
	require.NotNil(t, mux)
	assert.Equal(t, "/dev/ttyUSB0", gotPath)
	assert.Equal(t, 115200, gotOpts.BaudRate)

	_, err = OpenSerialMux("/dev/none", PortOptions{}, func(string, PortOptions) (SerialPorter, error) {
		return nil, errors.New("no such device")
	})
	assert.Error(t, err)
}

func TestAttachAdminRoutes_SerialCommand(t *testing.T) {
	port := NewFakePort(false)
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	form := url.Values{"command": {"??"}}
	req := httptest.NewRequest(http.MethodPost, "/debug/serial-command", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "??\n", string(port.Written()))
}
