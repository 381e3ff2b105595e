package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqttlens/config"
	"mqttlens/message"
	"mqttlens/session"
)

var _ Inspector = (*session.Session)(nil)

func newTestAPI(t *testing.T) (*session.Session, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.History.Capacity = 10
	s, err := session.New(cfg)
	require.NoError(t, err)

	router, cleanup := NewRouter(s, zerolog.Nop(), nil)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		cleanup()
		srv.Close()
	})
	return s, srv
}

func do(t *testing.T, method, url, contentType string, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func publish(topic string, body any, latency float64) *message.Message {
	return message.Publish(topic, body, 1, false, map[string]any{message.MetaLatency: latency}, time.Now())
}

func TestSessionEndpoint(t *testing.T) {
	s, srv := newTestAPI(t)

	resp, data := do(t, http.MethodGet, srv.URL+"/", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	got := decode[SessionResponse](t, data)
	assert.Equal(t, s.ID(), got.ID)
	assert.Equal(t, 10, got.History.Cap)
	assert.Equal(t, "Disabled", got.Step.Status)
}

func TestRulesEndpoints(t *testing.T) {
	_, srv := newTestAPI(t)

	resp, data := do(t, http.MethodPost, srv.URL+"/rules", "application/json",
		`{"name":"hot","sql":"SELECT payload.temp FROM 'sensors/#' WHERE payload.temp > 30"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	info := decode[session.RuleInfo](t, data)
	assert.Equal(t, "hot", info.Name)
	assert.True(t, info.Enabled)

	resp, data = do(t, http.MethodPost, srv.URL+"/rules", "application/json", `{"name":"bad","sql":"SELECT * FROM"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[map[string]string](t, data)["error"], "parse error")

	resp, _ = do(t, http.MethodPost, srv.URL+"/rules/hot/disable", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, data = do(t, http.MethodGet, srv.URL+"/rules/hot", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[session.RuleInfo](t, data).Enabled)

	resp, _ = do(t, http.MethodPut, srv.URL+"/rules/cold", "application/json",
		`{"sql":"SELECT * FROM 'sensors/#' WHERE payload.temp < 0","enabled":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = do(t, http.MethodGet, srv.URL+"/rules", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rules := decode[[]session.RuleInfo](t, data)
	require.Len(t, rules, 2)
	assert.Equal(t, "cold", rules[1].Name)
	assert.False(t, rules[1].Enabled)

	resp, _ = do(t, http.MethodGet, srv.URL+"/rules/missing", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/rules/missing/enable", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/rules/cold", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, srv.URL+"/rules/cold", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRulesImportExport(t *testing.T) {
	_, srv := newTestAPI(t)

	yamlDoc := "rules:\n  - name: a\n    sql: SELECT * FROM 'a/#'\n    enabled: true\n  - name: b\n    sql: SELECT payload FROM 'b'\n    enabled: false\n"
	resp, data := do(t, http.MethodPost, srv.URL+"/rules/import", "application/yaml", yamlDoc)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, 2, decode[map[string]int](t, data)["imported"])

	resp, data = do(t, http.MethodGet, srv.URL+"/rules/export", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decode[ruleFile](t, data)
	require.Len(t, doc.Rules, 2)
	assert.Equal(t, "b", doc.Rules[1].Name)
	assert.False(t, doc.Rules[1].Enabled)

	resp, data = do(t, http.MethodGet, srv.URL+"/rules/export?format=yaml", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(data), "name: a")

	// A bad record rejects the whole import.
	resp, _ = do(t, http.MethodPost, srv.URL+"/rules/import", "application/json",
		`{"rules":[{"name":"c","sql":"SELECT * FROM 'c'","enabled":true},{"name":"d","sql":"nope","enabled":true}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, data = do(t, http.MethodGet, srv.URL+"/rules", "", "")
	assert.Len(t, decode[[]session.RuleInfo](t, data), 2)
}

func TestIngestAndHistory(t *testing.T) {
	s, srv := newTestAPI(t)
	_, err := s.AddRule("hot", "SELECT payload.temp FROM 'sensors/#' WHERE payload.temp > 30")
	require.NoError(t, err)

	resp, data := do(t, http.MethodPost, srv.URL+"/ingest", "application/json",
		`{"topic":"sensors/room1","payload":{"temp":35,"tags":["a","b"]},"qos":1,"metadata":{"latency":12}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	out := decode[session.Outcome](t, data)
	assert.Equal(t, uint64(1), out.ID)
	require.Len(t, out.Matches, 1)
	assert.Equal(t, "hot", out.Matches[0].Rule)

	resp, _ = do(t, http.MethodPost, srv.URL+"/ingest", "application/json", `{"payload":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/ingest", "application/json", `{"type":"disconnect","payload":"bye"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data = do(t, http.MethodGet, srv.URL+"/history?last=5", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]map[string]any](t, data)
	require.Len(t, entries, 2)
	assert.Equal(t, float64(1), entries[0]["id"])

	resp, data = do(t, http.MethodGet, srv.URL+"/history/-2", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), decode[map[string]any](t, data)["id"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/history/99", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/history/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = do(t, http.MethodGet, srv.URL+"/history/1/extract?path=$.tags[1]", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	ex := decode[ExtractResponse](t, data)
	assert.True(t, ex.Found)
	assert.Equal(t, "b", ex.Value)
	assert.Equal(t, "b", ex.Text)

	resp, _ = do(t, http.MethodGet, srv.URL+"/history/1/extract", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/history", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, s.History().Len)
}

func TestStatsEndpoints(t *testing.T) {
	s, srv := newTestAPI(t)
	s.Ingest(publish("a", "x", 3))
	s.Ingest(publish("a", "x", 30))
	s.Ingest(publish("b", "x", 300))

	resp, data := do(t, http.MethodGet, srv.URL+"/stats", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[map[string]any](t, data)
	assert.Equal(t, float64(3), snap["counters"].(map[string]any)["total"])

	resp, data = do(t, http.MethodGet, srv.URL+"/stats/histogram", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	buckets := decode[[]map[string]any](t, data)
	assert.Len(t, buckets, 10)

	resp, data = do(t, http.MethodGet, srv.URL+"/stats/topics?limit=1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	top := decode[[]map[string]any](t, data)
	require.Len(t, top, 1)
	assert.Equal(t, "a", top[0]["topic"])

	resp, data = do(t, http.MethodGet, srv.URL+"/stats/percentile?p=50", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 30.0, decode[map[string]float64](t, data)["value"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/stats/percentile?p=101", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/stats/topics?limit=x", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/stats/reset", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, uint64(0), s.Stats().Counters.Total)
}

func TestStepEndpoints(t *testing.T) {
	s, srv := newTestAPI(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/step/next", "", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, data := do(t, http.MethodPut, srv.URL+"/step/breakpoints/topic", "application/json", `{"pattern":"alerts/*"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	info := decode[session.StepInfo](t, data)
	require.Len(t, info.Breakpoints, 1)

	resp, _ = do(t, http.MethodPut, srv.URL+"/step/breakpoints/colour", "application/json", `{"pattern":"red"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = do(t, http.MethodPost, srv.URL+"/step/enable", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Armed", decode[session.StepInfo](t, data).Status)

	s.Ingest(publish("alerts/fire", "x", 1))
	resp, data = do(t, http.MethodGet, srv.URL+"/step", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info = decode[session.StepInfo](t, data)
	assert.Equal(t, "Paused", info.Status)
	require.NotNil(t, info.Current)
	assert.Equal(t, uint64(1), info.Current.ID)

	resp, data = do(t, http.MethodPost, srv.URL+"/step/next", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Armed", decode[session.StepInfo](t, data).Status)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/step/breakpoints/topic", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, srv.URL+"/step/breakpoints/topic", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, srv.URL+"/step/breakpoints", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, data = do(t, http.MethodPost, srv.URL+"/step/disable", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Disabled", decode[session.StepInfo](t, data).Status)
}

func TestSSEFilter(t *testing.T) {
	f := sseFilter{types: splitSet("message, match"), topic: "sensors/#", rules: splitSet("hot")}

	assert.True(t, f.allows(sseEvent{Type: "message", Topic: "sensors/a"}))
	assert.False(t, f.allows(sseEvent{Type: "message", Topic: "alerts/a"}))
	assert.False(t, f.allows(sseEvent{Type: "step"}))
	assert.True(t, f.allows(sseEvent{Type: "match", Topic: "sensors/a", Rule: "hot"}))
	assert.False(t, f.allows(sseEvent{Type: "match", Topic: "sensors/a", Rule: "cold"}))

	assert.True(t, sseFilter{}.allows(sseEvent{Type: "stats"}))
	assert.Nil(t, splitSet(""))
}

func TestSSEStream(t *testing.T) {
	s, srv := newTestAPI(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/events?types=match", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		buf := make([]byte, 4096)
		var acc bytes.Buffer
		for {
			n, err := resp.Body.Read(buf)
			acc.Write(buf[:n])
			for {
				line, rerr := acc.ReadString('\n')
				if rerr != nil {
					acc.WriteString(line)
					break
				}
				lines <- strings.TrimSpace(line)
			}
			if err != nil {
				close(lines)
				return
			}
		}
	}()

	waitLine := func(prefix string) string {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				require.True(t, ok, "stream closed")
				if strings.HasPrefix(l, prefix) {
					return l
				}
			case <-timeout:
				t.Fatalf("no line with prefix %q", prefix)
			}
		}
	}

	waitLine("event: connected")

	_, err = s.AddRule("all", "SELECT * FROM '#'")
	require.NoError(t, err)
	s.Ingest(publish("x/y", "hello", 1))

	assert.Equal(t, "event: match", waitLine("event:"))
	data := waitLine("data:")
	assert.Contains(t, data, `"rule":"all"`)
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, errorStatus(io.EOF))
}
