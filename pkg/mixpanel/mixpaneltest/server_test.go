package mixpaneltest_test

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/mixpanel/pkg/mixpanel/mixpaneltest"
)

func post(t *testing.T, url, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.String()
}

func TestTrack_DedupesInsertID(t *testing.T) {
	srv := mixpaneltest.NewServer(t)

	batch := `[{"event":"A","properties":{"$insert_id":"1"}},{"event":"B","properties":{"$insert_id":"2"}}]`
	resp, body := post(t, srv.URL()+"/track", batch)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", body)

	_, _ = post(t, srv.URL()+"/track?verbose=1", batch)

	assert.Equal(t, []string{"A", "B"}, srv.EventNames())
	assert.Equal(t, 2, srv.Duplicates())
	assert.Len(t, srv.Requests(), 2)
}

func TestEngage_Operations(t *testing.T) {
	srv := mixpaneltest.NewServer(t)

	for _, body := range []string{
		`[{"$distinct_id":"u","$set_once":{"plan":"free"}}]`,
		`[{"$distinct_id":"u","$set_once":{"plan":"pro"}}]`,
		`[{"$distinct_id":"u","$set":{"name":"Ada","tmp":1}}]`,
		`[{"$distinct_id":"u","$add":{"logins":2}},{"$distinct_id":"u","$add":{"logins":1}}]`,
		`[{"$distinct_id":"u","$unset":["tmp"]}]`,
		`[{"$distinct_id":"u","$union":{"tags":["a","b"]}},{"$distinct_id":"u","$union":{"tags":["b","c"]}}]`,
		`[{"$distinct_id":"u","$append":{"items":"x"}}]`,
		`[{"$distinct_id":"u","$remove":{"tags":"a"}}]`,
	} {
		resp, _ := post(t, srv.URL()+"/engage", body)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
	}

	profile, ok := srv.Profile("u")
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"plan":   "free",
		"name":   "Ada",
		"logins": 3.0,
		"tags":   []any{"b", "c"},
		"items":  []any{"x"},
	}, profile)

	_, _ = post(t, srv.URL()+"/engage", `[{"$distinct_id":"u","$delete":""}]`)
	_, ok = srv.Profile("u")
	assert.False(t, ok)
}

func TestEngage_UnknownOperation(t *testing.T) {
	srv := mixpaneltest.NewServer(t)

	resp, _ := post(t, srv.URL()+"/engage", `[{"$distinct_id":"u","$explode":{}}]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFailureInjection(t *testing.T) {
	srv := mixpaneltest.NewServer(t)
	srv.FailNext(1, http.StatusServiceUnavailable, "down")
	srv.RejectNext(1)

	resp, body := post(t, srv.URL()+"/track", `[{"event":"A","properties":{}}]`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "down", body)

	resp, body = post(t, srv.URL()+"/track", `[{"event":"A","properties":{}}]`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":0`)

	assert.Empty(t, srv.EventNames())

	_, body = post(t, srv.URL()+"/track", `[{"event":"A","properties":{}}]`)
	assert.Equal(t, "1", body)
	assert.Equal(t, []string{"A"}, srv.EventNames())
}

func TestGzipBody(t *testing.T) {
	srv := mixpaneltest.NewServer(t)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`[{"event":"Zipped","properties":{}}]`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL()+"/track", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{"Zipped"}, srv.EventNames())
}
