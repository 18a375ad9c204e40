package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dsb/putvgo/internal/catalog"
	"github.com/dsb/putvgo/internal/media"
	"github.com/dsb/putvgo/internal/player"
)

func newTestServer(t *testing.T) (*Server, string) {
	cat, err := catalog.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	p := player.New(cat, player.Config{SinkURL: "file://" + t.TempDir() + "/out.raw"})
	sockPath := t.TempDir() + "/putvd.sock"
	srv, err := NewServer(sockPath, p, cat, Capabilities{})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	return srv, sockPath
}

func dial(t *testing.T, path string) (net.Conn, *bufio.Reader) {
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", path)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func roundTrip(t *testing.T, conn net.Conn, r *bufio.Reader, req Request) Response {
	req.JSONRPC = "2.0"
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	raw = append(raw, '\n')
	_, err = conn.Write(raw)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func TestStatusReturnsStopWithNoTrack(t *testing.T) {
	_, sock := newTestServer(t)
	conn, r := dial(t, sock)
	resp := roundTrip(t, conn, r, Request{Method: "status", ID: json.RawMessage(`1`)})
	require.Nil(t, resp.Error)
	m, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "stop", m["state"])
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	_, sock := newTestServer(t)
	conn, r := dial(t, sock)
	resp := roundTrip(t, conn, r, Request{Method: "bogus", ID: json.RawMessage(`2`)})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestAppendThenListRoundTrips(t *testing.T) {
	_, sock := newTestServer(t)
	conn, r := dial(t, sock)

	appendParams, err := json.Marshal(map[string]any{
		"entries": []media.Entry{{URL: "file:///tmp/a.mp3", MIME: "audio/mpeg", Info: media.Info{Title: "A"}}},
	})
	require.NoError(t, err)
	resp := roundTrip(t, conn, r, Request{Method: "append", Params: appendParams, ID: json.RawMessage(`3`)})
	require.Nil(t, resp.Error)

	resp = roundTrip(t, conn, r, Request{Method: "list", ID: json.RawMessage(`4`)})
	require.Nil(t, resp.Error)
	list, ok := resp.Result.([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
}

func TestVolumeSetAndGet(t *testing.T) {
	_, sock := newTestServer(t)
	conn, r := dial(t, sock)

	params, err := json.Marshal(map[string]any{"percent": 42})
	require.NoError(t, err)
	resp := roundTrip(t, conn, r, Request{Method: "volume", Params: params, ID: json.RawMessage(`5`)})
	require.Nil(t, resp.Error)
	m := resp.Result.(map[string]any)
	require.Equal(t, float64(42), m["volume"])
}

func TestCapabilitiesListsRegisteredCodecsAndProtocols(t *testing.T) {
	_, sock := newTestServer(t)
	conn, r := dial(t, sock)
	resp := roundTrip(t, conn, r, Request{Method: "capabilities", ID: json.RawMessage(`6`)})
	require.Nil(t, resp.Error)
	m := resp.Result.(map[string]any)
	require.NotEmpty(t, m["codecs"])
	require.NotEmpty(t, m["protocols"])
}
