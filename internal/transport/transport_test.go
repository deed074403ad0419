package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arces-wot/gosepa/pkg/protocol"
	"github.com/arces-wot/gosepa/pkg/sap"
)

// testDocument builds a profile whose endpoints all point at the given
// test server
func testDocument(t *testing.T, serverURL string) *sap.Document {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return &sap.Document{
		Host: u.Hostname(),
		Sparql11Protocol: sap.ProtocolConfig{
			Protocol: "http",
			Port:     port,
			Query:    sap.PathConfig{Path: "/query"},
			Update:   sap.PathConfig{Path: "/update"},
		},
		Sparql11SEProtocol: sap.SEProtocolConfig{
			Protocol: "ws",
			AvailableProtocols: map[string]sap.WebsocketConfig{
				"ws":  {Port: port, Path: "/subscribe"},
				"wss": {Port: port, Path: "/subscribe"},
			},
			Security: &sap.SecurityConfig{
				Port:         port,
				Registration: "/oauth/register",
				TokenRequest: "/oauth/token",
				SecurePath:   "/secure",
			},
		},
	}
}

func TestRequestQueryRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/sparql-query", r.Header.Get("Content-Type"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Empty(t, r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "SELECT * WHERE { ?s ?p ?o }", string(body))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"head":{"vars":["s"]},"results":{"bindings":[]}}`))
	}))
	defer server.Close()

	tr := New(testDocument(t, server.URL), Config{Timeout: 5 * time.Second})
	body, err := tr.Request(context.Background(), server.URL+"/query",
		&sap.ResolvedRequest{Text: "SELECT * WHERE { ?s ?p ?o }", Kind: sap.KindQuery}, false)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"vars":["s"]`)
}

func TestRequestUpdateContentType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/sparql-update", r.Header.Get("Content-Type"))
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	tr := New(testDocument(t, server.URL), Config{Timeout: 5 * time.Second})
	_, err := tr.Request(context.Background(), server.URL+"/update",
		&sap.ResolvedRequest{Text: "INSERT DATA { <a> <b> <c> }", Kind: sap.KindUpdate}, false)
	require.NoError(t, err)
}

func TestRequestBrokerErrorStructured(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"status_code":400,"error":"bad request","error_description":"malformed sparql"}}`))
	}))
	defer server.Close()

	tr := New(testDocument(t, server.URL), Config{Timeout: 5 * time.Second})
	_, err := tr.Request(context.Background(), server.URL+"/query",
		&sap.ResolvedRequest{Text: "SELECT", Kind: sap.KindQuery}, false)

	var brokerErr *protocol.ErrorBody
	require.ErrorAs(t, err, &brokerErr)
	assert.Equal(t, 400, brokerErr.StatusCode)
	assert.Equal(t, "bad request", brokerErr.Title)
	assert.Equal(t, "malformed sparql", brokerErr.Detail)
}

func TestRequestBrokerErrorUnstructured(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("something caught fire"))
	}))
	defer server.Close()

	tr := New(testDocument(t, server.URL), Config{Timeout: 5 * time.Second})
	_, err := tr.Request(context.Background(), server.URL+"/query",
		&sap.ResolvedRequest{Text: "SELECT", Kind: sap.KindQuery}, false)

	var brokerErr *protocol.ErrorBody
	require.ErrorAs(t, err, &brokerErr)
	assert.Equal(t, 500, brokerErr.StatusCode)
	assert.Equal(t, "Internal Server Error", brokerErr.Title)
	assert.Equal(t, "something caught fire", brokerErr.Detail)
}

// secureBroker scripts the OAuth endpoints plus a secured query endpoint
type secureBroker struct {
	registrations atomic.Int64
	tokenFetches  atomic.Int64
	rejectNext    atomic.Bool
}

func (b *secureBroker) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/register":
			b.registrations.Add(1)
			var req struct {
				ClientIdentity string   `json:"client_identity"`
				GrantTypes     []string `json:"grant_types"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.NotEmpty(t, req.ClientIdentity)
			assert.Equal(t, []string{"client_credentials"}, req.GrantTypes)

			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"client_id":"cid","client_secret":"csecret"}`))

		case "/oauth/token":
			b.tokenFetches.Add(1)
			assert.NotEmpty(t, r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"token":{"access_token":"tok-123","expires_in":300}}`))

		case "/secure/query":
			if b.rejectNext.CompareAndSwap(true, false) {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":{"status_code":401,"error":"unauthorized"}}`))
				return
			}
			assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
			w.Write([]byte(`{"head":{"vars":[]},"results":{"bindings":[]}}`))

		default:
			t.Errorf("unexpected request path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestSecureRequestRegistersOnceAndCachesToken(t *testing.T) {
	broker := &secureBroker{}
	server := httptest.NewTLSServer(broker.handler(t))
	defer server.Close()

	tr := New(testDocument(t, server.URL), Config{Timeout: 5 * time.Second, InsecureTLS: true})

	for i := 0; i < 3; i++ {
		_, err := tr.Request(context.Background(), server.URL+"/secure/query",
			&sap.ResolvedRequest{Text: "SELECT", Kind: sap.KindQuery}, true)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), broker.registrations.Load())
	assert.Equal(t, int64(1), broker.tokenFetches.Load())
}

func TestSecureRequestRefreshesTokenAfter401(t *testing.T) {
	broker := &secureBroker{}
	server := httptest.NewTLSServer(broker.handler(t))
	defer server.Close()

	tr := New(testDocument(t, server.URL), Config{Timeout: 5 * time.Second, InsecureTLS: true})

	_, err := tr.Request(context.Background(), server.URL+"/secure/query",
		&sap.ResolvedRequest{Text: "SELECT", Kind: sap.KindQuery}, true)
	require.NoError(t, err)

	// the broker drops the token; the 401 must invalidate the cache
	broker.rejectNext.Store(true)
	_, err = tr.Request(context.Background(), server.URL+"/secure/query",
		&sap.ResolvedRequest{Text: "SELECT", Kind: sap.KindQuery}, true)
	var brokerErr *protocol.ErrorBody
	require.ErrorAs(t, err, &brokerErr)
	assert.Equal(t, 401, brokerErr.StatusCode)

	_, err = tr.Request(context.Background(), server.URL+"/secure/query",
		&sap.ResolvedRequest{Text: "SELECT", Kind: sap.KindQuery}, true)
	require.NoError(t, err)

	assert.Equal(t, int64(1), broker.registrations.Load())
	assert.Equal(t, int64(2), broker.tokenFetches.Load())
}

func TestSecureRequestPreRegisteredCredentials(t *testing.T) {
	broker := &secureBroker{}
	server := httptest.NewTLSServer(broker.handler(t))
	defer server.Close()

	doc := testDocument(t, server.URL)
	doc.Sparql11SEProtocol.Security.ClientSecret = "Basic cHJlOnNlZWRlZA=="

	tr := New(doc, Config{Timeout: 5 * time.Second, InsecureTLS: true})
	_, err := tr.Request(context.Background(), server.URL+"/secure/query",
		&sap.ResolvedRequest{Text: "SELECT", Kind: sap.KindQuery}, true)
	require.NoError(t, err)

	// seeded credentials skip the registration round trip
	assert.Equal(t, int64(0), broker.registrations.Load())
	assert.Equal(t, int64(1), broker.tokenFetches.Load())
}
