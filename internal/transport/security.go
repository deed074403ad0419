package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/arces-wot/gosepa/pkg/sap"
)

// tokenExpiryMargin is subtracted from the broker-reported lifetime so a
// token is renewed before it actually lapses
const tokenExpiryMargin = 5 * time.Second

// defaultTokenLifetime applies when the broker omits expires_in
const defaultTokenLifetime = 5 * time.Minute

// security implements the SEPA OAuth path: one-time client registration
// against the registration endpoint, then bearer tokens from the token
// endpoint. Concurrent token fetches are collapsed into a single request.
type security struct {
	doc        *sap.Document
	httpClient *http.Client
	logger     zerolog.Logger
	group      singleflight.Group

	mu        sync.Mutex
	basicAuth string
	jwt       string
	expires   time.Time
}

func newSecurity(doc *sap.Document, httpClient *http.Client, logger zerolog.Logger) *security {
	s := &security{
		doc:        doc,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "security").Logger(),
	}
	// a profile may carry pre-registered credentials
	if sec := doc.Sparql11SEProtocol.Security; sec != nil && sec.ClientSecret != "" {
		s.basicAuth = sec.ClientSecret
	}
	return s
}

// token returns a valid bearer token, registering the client and
// requesting a fresh token as needed
func (s *security) token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.jwt != "" && time.Now().Before(s.expires) {
		token := s.jwt
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	value, err, _ := s.group.Do("token", func() (any, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// invalidate discards the cached token after the broker reported it stale
func (s *security) invalidate() {
	s.mu.Lock()
	s.jwt = ""
	s.mu.Unlock()
}

func (s *security) refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	registered := s.basicAuth != ""
	s.mu.Unlock()

	if !registered {
		if err := s.register(ctx); err != nil {
			return "", err
		}
	}
	return s.requestToken(ctx)
}

// register performs the one-time client-credentials registration
func (s *security) register(ctx context.Context) error {
	clientID := ""
	if sec := s.doc.Sparql11SEProtocol.Security; sec != nil {
		clientID = sec.ClientID
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	payload, err := json.Marshal(map[string]any{
		"client_identity": clientID,
		"grant_types":     []string{"client_credentials"},
	})
	if err != nil {
		return err
	}

	endpoint := s.doc.RegistrationURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client registration failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client registration refused with status %d", resp.StatusCode)
	}

	var credentials struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.Unmarshal(body, &credentials); err != nil {
		return fmt.Errorf("unparseable registration response: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(
		[]byte(credentials.ClientID + ":" + credentials.ClientSecret))

	s.mu.Lock()
	s.basicAuth = "Basic " + encoded
	s.mu.Unlock()

	s.logger.Info().Str("endpoint", endpoint).Msg("Client registered")
	return nil
}

// requestToken trades the registration credentials for a bearer token
func (s *security) requestToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	auth := s.basicAuth
	s.mu.Unlock()

	endpoint := s.doc.TokenRequestURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", auth)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request refused with status %d", resp.StatusCode)
	}

	var response struct {
		Token struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		} `json:"token"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("unparseable token response: %w", err)
	}
	if response.Token.AccessToken == "" {
		return "", fmt.Errorf("token response carried no access token")
	}

	lifetime := defaultTokenLifetime
	if response.Token.ExpiresIn > 0 {
		lifetime = time.Duration(response.Token.ExpiresIn) * time.Second
	}

	s.mu.Lock()
	s.jwt = response.Token.AccessToken
	s.expires = time.Now().Add(lifetime - tokenExpiryMargin)
	s.mu.Unlock()

	s.logger.Debug().Msg("Bearer token refreshed")
	return response.Token.AccessToken, nil
}
