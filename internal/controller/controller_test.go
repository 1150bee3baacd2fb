package controller

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/camerad/camerad/internal/device/simdevice"
	"github.com/camerad/camerad/internal/logging"
	"github.com/camerad/camerad/internal/ring"
	"github.com/camerad/camerad/internal/worker"
)

type testServer struct {
	addr string
	w    *worker.Worker
	r    *ring.Ring
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	log := zaptest.NewLogger(t).Sugar()
	d := simdevice.New()
	require.NoError(t, d.Open(context.Background(), 0))

	geom := d.SensorGeometry()
	r := ring.Create(geom, 2, 4, 0, log)
	t.Cleanup(func() { ring.Destroy(r) })

	cfg, err := d.GetConfiguration()
	require.NoError(t, err)
	r.Lock()
	r.SetConfig(cfg)
	r.Unlock()

	w := worker.New(d, r, log)
	go w.Run()
	t.Cleanup(func() { w.RequestExit() })

	// probe an ephemeral port, then hand that exact address to the
	// Server so the test can dial it deterministically.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	srv := New(addr, w, r, d, logging.NewLevel(zapcore.InfoLevel), log, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	started := make(chan error, 1)
	go func() { started <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, time.Millisecond)

	return &testServer{addr: addr, w: w, r: r}
}

func sendLine(t *testing.T, addr, line string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(line + "\n"))
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(reply)
}

func TestPing(t *testing.T) {
	ts := startTestServer(t)
	resp := sendLine(t, ts.addr, "ping")
	require.True(t, strings.HasPrefix(resp, "OK "))
	_, err := strconv.ParseInt(strings.TrimPrefix(resp, "OK "), 10, 64)
	require.NoError(t, err)
}

func TestStateQuery(t *testing.T) {
	ts := startTestServer(t)
	require.Equal(t, "OK SLEEPING", sendLine(t, ts.addr, "state"))
}

func TestStartThenStop(t *testing.T) {
	ts := startTestServer(t)

	require.Equal(t, "OK", sendLine(t, ts.addr, "start 4"))
	require.Eventually(t, func() bool {
		return sendLine(t, ts.addr, "state") == "OK ACQUIRING"
	}, time.Second, time.Millisecond)

	require.Equal(t, "OK", sendLine(t, ts.addr, "stop"))
	require.Eventually(t, func() bool {
		return sendLine(t, ts.addr, "state") == "OK SLEEPING"
	}, time.Second, time.Millisecond)
}

func TestConfigAppliesWhileSleeping(t *testing.T) {
	ts := startTestServer(t)

	resp := sendLine(t, ts.addr, "config framerate 42")
	require.Equal(t, "OK", resp)
	require.Equal(t, "OK 42", sendLine(t, ts.addr, "framerate"))
}

// TestConfigAppliesLiteralKeyVocabulary exercises the literal config key
// set (xoff, yoff, width, height, exposuretime, framerate) end to end,
// then reads each back through its matching literal query verb.
func TestConfigAppliesLiteralKeyVocabulary(t *testing.T) {
	ts := startTestServer(t)

	resp := sendLine(t, ts.addr, "config xoff 16 yoff 16 width 640 height 480 exposuretime 0.002 framerate 200")
	require.Equal(t, "OK", resp)

	require.Equal(t, "OK 16", sendLine(t, ts.addr, "xoff"))
	require.Equal(t, "OK 16", sendLine(t, ts.addr, "yoff"))
	require.Equal(t, "OK 640", sendLine(t, ts.addr, "width"))
	require.Equal(t, "OK 480", sendLine(t, ts.addr, "height"))
	require.Equal(t, "OK 0.002", sendLine(t, ts.addr, "exposuretime"))
	require.Equal(t, "OK 200", sendLine(t, ts.addr, "framerate"))
}

func TestConfigRejectsUnknownKey(t *testing.T) {
	ts := startTestServer(t)
	resp := sendLine(t, ts.addr, "config xoff 16 bogus 1")
	require.True(t, strings.HasPrefix(resp, "ERR"))
}

func TestConfigRejectsDuplicateKey(t *testing.T) {
	ts := startTestServer(t)
	resp := sendLine(t, ts.addr, "config framerate 10 framerate 20")
	require.True(t, strings.HasPrefix(resp, "ERR"))
}

func TestLiteralQueryVerbs(t *testing.T) {
	ts := startTestServer(t)

	require.Equal(t, "OK 2048", sendLine(t, ts.addr, "sensorwidth"))
	require.Equal(t, "OK 2048", sendLine(t, ts.addr, "sensorheight"))
	require.Equal(t, "OK 1", sendLine(t, ts.addr, "xbin"))
	require.Equal(t, "OK 1", sendLine(t, ts.addr, "ybin"))
	require.Equal(t, "OK 0", sendLine(t, ts.addr, "xoff"))
	require.Equal(t, "OK 0", sendLine(t, ts.addr, "yoff"))
}

func TestPingReturnsMonotonicTimestamp(t *testing.T) {
	ts := startTestServer(t)

	first := sendLine(t, ts.addr, "ping")
	time.Sleep(time.Millisecond)
	second := sendLine(t, ts.addr, "ping")

	require.True(t, strings.HasPrefix(first, "OK "))
	require.True(t, strings.HasPrefix(second, "OK "))

	t1, err := strconv.ParseInt(strings.TrimPrefix(first, "OK "), 10, 64)
	require.NoError(t, err)
	t2, err := strconv.ParseInt(strings.TrimPrefix(second, "OK "), 10, 64)
	require.NoError(t, err)
	require.Greater(t, t2, t1)
}

func TestConfigRejectedWhileAcquiring(t *testing.T) {
	ts := startTestServer(t)

	require.Equal(t, "OK", sendLine(t, ts.addr, "start 4"))
	require.Eventually(t, func() bool {
		return sendLine(t, ts.addr, "state") == "OK ACQUIRING"
	}, time.Second, time.Millisecond)

	resp := sendLine(t, ts.addr, "config framerate 1")
	require.True(t, strings.HasPrefix(resp, "ERR"))

	sendLine(t, ts.addr, "stop")
}

func TestUnknownVerb(t *testing.T) {
	ts := startTestServer(t)
	resp := sendLine(t, ts.addr, "bogus")
	require.True(t, strings.HasPrefix(resp, "ERR"))
}
