package identity

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"pulsegate/pkg/domain"
)

// Client calls the external identity provider over HTTP. The gateway
// delegates all credential handling: tokens returned by the provider are
// passed through to callers unchanged.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents an identity provider error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// NewClient constructs an identity provider client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Session is the provider's answer to register/login.
type Session struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// Register creates an account and returns its first session.
func (c *Client) Register(email, password, workspaceID string) (Session, error) {
	payload := map[string]string{
		"email":        email,
		"password":     password,
		"workspace_id": workspaceID,
	}
	var session Session
	if err := c.doJSON(http.MethodPost, "/auth/register", payload, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Login validates credentials and returns a session.
func (c *Client) Login(email, password string) (Session, error) {
	payload := map[string]string{"email": email, "password": password}
	var session Session
	if err := c.doJSON(http.MethodPost, "/auth/login", payload, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

func (c *Client) doJSON(method, path string, payload any, out any) error {
	var body *bytes.Reader
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body = bytes.NewReader(data)
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
