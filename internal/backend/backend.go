package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/rtcore-go/internal/errors"
	"github.com/openclaw/rtcore-go/internal/model"
)

// Client is the external backend that owns conversations and history.
type Client interface {
	ConversationParticipants(ctx context.Context, conversationID string) ([]string, error)
	PersistMessage(ctx context.Context, msg model.Message) (string, error)
	ArchiveCall(ctx context.Context, call *model.Call) error
}

type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type participantsResponse struct {
	Participants []string `json:"participants"`
}

type persistResponse struct {
	ID string `json:"id"`
}

func (c *HTTPClient) ConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	var resp participantsResponse
	path := "/conversations/" + url.PathEscape(conversationID) + "/participants"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Participants, nil
}

func (c *HTTPClient) PersistMessage(ctx context.Context, msg model.Message) (string, error) {
	var resp persistResponse
	if err := c.do(ctx, http.MethodPost, "/messages", msg, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return msg.ID, nil
	}
	return resp.ID, nil
}

func (c *HTTPClient) ArchiveCall(ctx context.Context, call *model.Call) error {
	return c.do(ctx, http.MethodPost, "/calls", call, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("method", method).Str("path", path).Dur("elapsed", elapsed).Msg("backend request error")
		return apperrors.External("backend", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperrors.NotFound("conversation")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("backend request failed")
		return apperrors.External("backend", fmt.Errorf("status %d", resp.StatusCode))
	}

	log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("backend request")

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.External("backend", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// Static is an in-process backend for single-node development and tests.
type Static struct {
	mu            sync.RWMutex
	conversations map[string][]string
	messages      []model.Message
	calls         []*model.Call
}

func NewStatic() *Static {
	return &Static{conversations: make(map[string][]string)}
}

func (s *Static) SetParticipants(conversationID string, userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = append([]string(nil), userIDs...)
}

func (s *Static) ConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	participants, ok := s.conversations[conversationID]
	if !ok {
		return nil, apperrors.NotFound("conversation")
	}
	return append([]string(nil), participants...), nil
}

func (s *Static) PersistMessage(ctx context.Context, msg model.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return msg.ID, nil
}

func (s *Static) ArchiveCall(ctx context.Context, call *model.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call.Clone())
	return nil
}

func (s *Static) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Message(nil), s.messages...)
}

func (s *Static) Calls() []*model.Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*model.Call(nil), s.calls...)
}
