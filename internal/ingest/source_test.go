package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_JSON(t *testing.T) {
	f := &Feed{Format: FormatJSON}

	items, err := Decode(f, []byte(`[{"a":1},{"a":2}]`))
	require.NoError(t, err)
	assert.Len(t, items, 2)

	items, err = Decode(f, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Len(t, items, 1, "a root object is one item")

	f.Items = "data.list"
	items, err = Decode(f, []byte(`{"data":{}}`))
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = Decode(f, []byte(`{nope`))
	assert.Error(t, err)
}

func TestDecode_RSS(t *testing.T) {
	f := &Feed{Format: FormatRSS}
	items, err := Decode(f, []byte(`<rss><channel>
<item><title> A &amp; B </title><description><![CDATA[<p>Hello <b>there</b></p>]]></description></item>
</channel></rss>`))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "A & B", items[0].Get("title").String())
	assert.Equal(t, "Hello there", items[0].Get("description").String())
}

func TestHTTPFetcher(t *testing.T) {
	t.Setenv("CITYPULSE_TEST_APP_TOKEN", "tok")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "tok", r.Header.Get("X-App-Token"))
		_, present := r.Header["X-Empty"]
		assert.False(t, present)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	fetcher := NewHTTPFetcher()
	data, err := fetcher.Fetch(context.Background(), srv.URL+"/ok", map[string]string{
		"X-App-Token": "${CITYPULSE_TEST_APP_TOKEN}",
		"X-Empty":     "${CITYPULSE_TEST_UNSET_VAR}",
	})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	_, err = fetcher.Fetch(context.Background(), srv.URL+"/fail?AccessCode=secret", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.NotContains(t, err.Error(), "secret")
}
