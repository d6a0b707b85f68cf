// SPDX-License-Identifier: ice License 1.0

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	stdlibtime "time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/ice-blockchain/outpost/community"
	"github.com/ice-blockchain/outpost/database/query"
	"github.com/ice-blockchain/outpost/model"
	"github.com/ice-blockchain/outpost/server/control"
	wsserver "github.com/ice-blockchain/outpost/server/ws"
)

func TestMain(m *testing.M) {
	query.MustInit(":memory:")
	m.Run()
}

func helperNewServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store := query.RootStore()
	root := wsserver.NewHandler(
		&wsserver.Config{RelayURL: "ws://localhost", Owner: func() string { return "" }},
		store.SelectEvents,
		wsserver.NewAuthGate(&wsserver.Config{Owner: func() string { return "" }}),
		wsserver.NewStoreHandler(store.AcceptEvent),
	)
	dial := func(context.Context, string) (community.Upstream, error) {
		return nil, context.DeadlineExceeded
	}
	communities := community.NewMultiplexer(store, query.LabeledStore, dial, community.DirectResolver(), "ws://localhost")
	controller := control.New("adminpw", control.NewStatusHandler(func() map[string]int64 {
		return map[string]int64{"eventsAccepted": 1}
	}))
	srv := New(&Config{Port: 0, RelayURL: "ws://localhost"}, root, communities, controller)
	httpSrv := httptest.NewServer(srv.router(context.Background()))
	t.Cleanup(httpSrv.Close)

	return srv, httpSrv
}

// bufferedConn drains bytes the websocket handshake already read off the
// socket (ws.Dial returns them in a *bufio.Reader) before reading the conn.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.br != nil {
		if c.br.Buffered() > 0 {
			return c.br.Read(p)
		}
		c.br = nil
	}

	return c.Conn.Read(p)
}

func helperDialWS(t *testing.T, httpSrv *httptest.Server, path string) net.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + path
	conn, br, _, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	if br != nil {
		conn = &bufferedConn{Conn: conn, br: br}
	}
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(stdlibtime.Now().Add(10*stdlibtime.Second)))

	return conn
}

func helperReadFrame(t *testing.T, conn net.Conn) string {
	t.Helper()
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)

	return string(data)
}

func TestRootRelayOverRealSocket(t *testing.T) {
	_, httpSrv := helperNewServer(t)
	conn := helperDialWS(t, httpSrv, "/")

	challenge := gjson.Parse(helperReadFrame(t, conn)).Array()
	require.Equal(t, "AUTH", challenge[0].Str, "the server opens with a NIP-42 challenge")

	privKey := nostr.GeneratePrivateKey()
	ev := &model.Event{Event: nostr.Event{Kind: nostr.KindTextNote, CreatedAt: 1111, Content: "over the wire", Tags: nostr.Tags{}}}
	require.NoError(t, ev.Sign(privKey))
	data, err := ev.MarshalJSON()
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientText(conn, []byte(`["EVENT",`+string(data)+`]`)))

	ok := gjson.Parse(helperReadFrame(t, conn)).Array()
	require.Equal(t, "OK", ok[0].Str)
	require.Equal(t, ev.ID, ok[1].Str)
	require.True(t, ok[2].Bool())

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`["REQ","replay",{"ids":["`+ev.ID+`"]}]`)))
	replayed := gjson.Parse(helperReadFrame(t, conn)).Array()
	require.Equal(t, "EVENT", replayed[0].Str)
	require.Equal(t, ev.ID, replayed[2].Get("id").Str)
	require.Equal(t, "EOSE", gjson.Parse(helperReadFrame(t, conn)).Array()[0].Str)
}

func TestCommunityPathGetsItsOwnRelay(t *testing.T) {
	_, httpSrv := helperNewServer(t)
	communityKey := strings.Repeat("ab", 32)
	conn := helperDialWS(t, httpSrv, "/"+communityKey)

	require.Equal(t, "AUTH", gjson.Parse(helperReadFrame(t, conn)).Array()[0].Str)
	require.NoError(t, wsutil.WriteClientText(conn, []byte(`["REQ","chan",{"kinds":[9]}]`)))
	require.Equal(t, "EOSE", gjson.Parse(helperReadFrame(t, conn)).Array()[0].Str, "a fresh community partition replays nothing")
}

func TestControlPathHandshake(t *testing.T) {
	_, httpSrv := helperNewServer(t)
	conn := helperDialWS(t, httpSrv, "/control")

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`["CONTROL","STATUS","GET"]`)))
	require.NoError(t, wsutil.WriteClientText(conn, []byte(`["CONTROL","AUTH","CODE","adminpw"]`)))
	require.JSONEq(t, `["CONTROL","AUTH","OK"]`, helperReadFrame(t, conn), "the unauthenticated STATUS frame is dropped, AUTH is answered")

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`["CONTROL","STATUS","GET"]`)))
	status := gjson.Parse(helperReadFrame(t, conn)).Array()
	require.Equal(t, "STATUS", status[1].Str)
	require.EqualValues(t, 1, status[3].Get("eventsAccepted").Int())
}

func TestNIP11Document(t *testing.T) {
	_, httpSrv := helperNewServer(t)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, httpSrv.URL+"/", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/nostr+json")
	resp, err := httpSrv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]any
	require.NoError(t, jsonDecode(resp, &doc))
	require.Equal(t, "outpost", doc["name"])

	plain, err := httpSrv.Client().Get(httpSrv.URL + "/nothing-here")
	require.NoError(t, err)
	defer plain.Body.Close()
	require.Equal(t, http.StatusNotFound, plain.StatusCode)
}

func TestIsCommunityKey(t *testing.T) {
	t.Parallel()
	require.True(t, isCommunityKey(strings.Repeat("a1", 32)))
	require.False(t, isCommunityKey("control"))
	require.False(t, isCommunityKey(strings.Repeat("zz", 32)))
	require.False(t, isCommunityKey(strings.Repeat("a1", 16)))
}

func jsonDecode(resp *http.Response, target any) error {
	return json.NewDecoder(resp.Body).Decode(target)
}
