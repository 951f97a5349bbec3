package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var candidates = []string{"wage war", "negotiate", "fortify borders"}

func TestParseAdvice(t *testing.T) {
	t.Run("clean JSON object", func(t *testing.T) {
		got, err := parseAdvice(`{"action":"negotiate","confidence":0.8,"rationale":"war is costly"}`, candidates)
		require.NoError(t, err)
		assert.Equal(t, "negotiate", got.Action)
		assert.Equal(t, 0.8, got.Confidence)
	})

	t.Run("object wrapped in prose", func(t *testing.T) {
		raw := "As the military advisor I would counsel:\n{\"action\": \"wage war\", \"confidence\": 0.6}\nThat is my view."
		got, err := parseAdvice(raw, candidates)
		require.NoError(t, err)
		assert.Equal(t, "wage war", got.Action)
	})

	t.Run("action matched case-insensitively and canonicalized", func(t *testing.T) {
		got, err := parseAdvice(`{"action":"Negotiate","confidence":0.5}`, candidates)
		require.NoError(t, err)
		assert.Equal(t, "negotiate", got.Action)
	})

	t.Run("no JSON at all", func(t *testing.T) {
		_, err := parseAdvice("I refuse to answer in the requested format.", candidates)
		assert.Error(t, err)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		_, err := parseAdvice(`{"action": "negotiate", "confidence": }`, candidates)
		assert.Error(t, err)
	})

	t.Run("missing action", func(t *testing.T) {
		_, err := parseAdvice(`{"confidence":0.5}`, candidates)
		assert.Error(t, err)
	})

	t.Run("confidence out of range", func(t *testing.T) {
		_, err := parseAdvice(`{"action":"negotiate","confidence":1.4}`, candidates)
		assert.Error(t, err)
		_, err = parseAdvice(`{"action":"negotiate","confidence":-0.1}`, candidates)
		assert.Error(t, err)
	})

	t.Run("action outside the candidate list", func(t *testing.T) {
		_, err := parseAdvice(`{"action":"burn everything","confidence":0.9}`, candidates)
		assert.Error(t, err)
	})
}

// adviceServer fakes the messages endpoint, wrapping each canned reply
// in the API envelope.
func adviceServer(t *testing.T, replies ...string) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NotEmpty(t, r.Header.Get("x-api-key"))

		reply := replies[calls%len(replies)]
		calls++
		resp := map[string]any{
			"content": []map[string]string{{"text": reply}},
			"usage":   map[string]int{"input_tokens": 100, "output_tokens": 50},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testRequest() *AdviceRequest {
	return &AdviceRequest{
		PersonaSummary: "You are Gareth Voss.",
		Role:           "military",
		Topic:          "the border dispute",
		Candidates:     candidates,
		Memories:       []string{"the last war went badly"},
		Relationships:  []string{"the leader Aldric Stoneheart (trust: 0.4)"},
		Stability:      0.6,
	}
}

func TestOracleGenerateAdvice(t *testing.T) {
	t.Run("valid reply round-trips", func(t *testing.T) {
		srv, _ := adviceServer(t, `{"action":"fortify borders","confidence":0.7,"rationale":"hold what we have"}`)
		client := NewClient("test-key", time.Second)
		client.SetURL(srv.URL)
		o := NewOracle(client, time.Minute)

		got, err := o.GenerateAdvice(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, "fortify borders", got.Action)
		assert.Equal(t, 0.7, got.Confidence)
	})

	t.Run("contract violation surfaces as error", func(t *testing.T) {
		srv, _ := adviceServer(t, `{"action":"surrender","confidence":0.7}`)
		client := NewClient("test-key", time.Second)
		client.SetURL(srv.URL)
		o := NewOracle(client, time.Minute)

		_, err := o.GenerateAdvice(context.Background(), testRequest())
		assert.Error(t, err)
	})

	t.Run("identical requests hit the cache", func(t *testing.T) {
		srv, calls := adviceServer(t, `{"action":"negotiate","confidence":0.9}`)
		client := NewClient("test-key", time.Second)
		client.SetURL(srv.URL)
		o := NewOracle(client, time.Minute)

		req := testRequest()
		first, err := o.GenerateAdvice(context.Background(), req)
		require.NoError(t, err)
		second, err := o.GenerateAdvice(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, *calls, "second call must be served from cache")
	})

	t.Run("failed replies are never cached", func(t *testing.T) {
		srv, calls := adviceServer(t,
			"no json here",
			`{"action":"negotiate","confidence":0.9}`,
		)
		client := NewClient("test-key", time.Second)
		client.SetURL(srv.URL)
		o := NewOracle(client, time.Minute)

		_, err := o.GenerateAdvice(context.Background(), testRequest())
		require.Error(t, err)

		got, err := o.GenerateAdvice(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, "negotiate", got.Action)
		assert.Equal(t, 2, *calls)
	})

	t.Run("nil oracle is disabled", func(t *testing.T) {
		var o *Oracle
		assert.False(t, o.Enabled())
	})

	t.Run("oracle over a nil client is disabled", func(t *testing.T) {
		o := NewOracle(nil, time.Minute)
		assert.False(t, o.Enabled())
		_, err := o.GenerateAdvice(context.Background(), testRequest())
		assert.Error(t, err)
	})
}

func TestClientComplete(t *testing.T) {
	t.Run("nil client from empty key", func(t *testing.T) {
		assert.Nil(t, NewClient("", time.Second))
	})

	t.Run("server error surfaces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		t.Cleanup(srv.Close)

		client := NewClient("test-key", time.Second)
		client.SetURL(srv.URL)
		_, err := client.Complete(context.Background(), "sys", "user", 100)
		assert.Error(t, err)
	})

	t.Run("context cancellation cuts the call short", func(t *testing.T) {
		block := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			<-block
		}))
		t.Cleanup(func() { close(block); srv.Close() })

		client := NewClient("test-key", time.Minute)
		client.SetURL(srv.URL)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := client.Complete(ctx, "sys", "user", 100)
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("empty content is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"content": []any{}})
		}))
		t.Cleanup(srv.Close)

		client := NewClient("test-key", time.Second)
		client.SetURL(srv.URL)
		_, err := client.Complete(context.Background(), "sys", "user", 100)
		assert.Error(t, err)
	})
}
