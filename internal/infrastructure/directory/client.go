package directory

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"mediconnect/internal/core/domain"
	"mediconnect/pkg/circuitbreaker"
	"mediconnect/pkg/errors"
	"mediconnect/pkg/retry"
	"mediconnect/pkg/tracing"

	"go.uber.org/zap"
)

// ClientConfig configures the session directory REST client.
type ClientConfig struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
}

// Client consumes the session directory REST API. Transient failures retry
// with backoff; a persistently failing directory trips the circuit breaker
// so that discovery polls stop hammering it.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.NonRetryable = func(err error) bool {
		if stderrors.Is(err, domain.ErrSessionNotFound) {
			return true
		}
		appErr := errors.GetAppError(err)
		return appErr != nil && appErr.HTTPStatus >= 400 && appErr.HTTPStatus < 500
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		retry:   retryCfg,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		logger:  logger,
	}
}

type createSessionRequest struct {
	AppointmentID domain.AppointmentID `json:"appointment_id"`
}

type sessionResponse struct {
	SessionID     domain.SessionID     `json:"session_id"`
	RoomID        domain.RoomID        `json:"room_id"`
	AppointmentID domain.AppointmentID `json:"appointment_id"`
	Status        domain.SessionStatus `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
}

type peersResponse struct {
	Peers []domain.Participant `json:"peers"`
}

func (c *Client) CreateSession(ctx context.Context, appointmentID domain.AppointmentID) (*domain.CallSession, error) {
	ctx, span := tracing.TraceDirectoryOperation(ctx, "create", "")
	defer span.End()

	var resp sessionResponse
	err := c.call(ctx, http.MethodPost, "/api/video/session/create",
		createSessionRequest{AppointmentID: appointmentID}, &resp)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	return &domain.CallSession{
		ID:            resp.SessionID,
		RoomID:        resp.RoomID,
		AppointmentID: resp.AppointmentID,
		Status:        resp.Status,
		CreatedAt:     resp.CreatedAt,
	}, nil
}

func (c *Client) RegisterPeer(ctx context.Context, sessionID domain.SessionID, p domain.Participant) error {
	ctx, span := tracing.TraceDirectoryOperation(ctx, "register_peer", string(sessionID))
	defer span.End()

	path := fmt.Sprintf("/api/video/session/%s/peer", sessionID)
	if err := c.call(ctx, http.MethodPost, path, p, nil); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (c *Client) Join(ctx context.Context, sessionID domain.SessionID) error {
	ctx, span := tracing.TraceDirectoryOperation(ctx, "join", string(sessionID))
	defer span.End()

	path := fmt.Sprintf("/api/video/session/%s/join", sessionID)
	if err := c.call(ctx, http.MethodPost, path, nil, nil); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (c *Client) ListPeers(ctx context.Context, sessionID domain.SessionID) ([]domain.Participant, error) {
	ctx, span := tracing.TraceDirectoryOperation(ctx, "list_peers", string(sessionID))
	defer span.End()

	path := fmt.Sprintf("/api/video/session/%s/peers", sessionID)
	var resp peersResponse
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return resp.Peers, nil
}

func (c *Client) EndSession(ctx context.Context, sessionID domain.SessionID) error {
	ctx, span := tracing.TraceDirectoryOperation(ctx, "end", string(sessionID))
	defer span.End()

	path := fmt.Sprintf("/api/video/session/%s/end", sessionID)
	if err := c.call(ctx, http.MethodPost, path, nil, nil); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

// GetSession probes the session status without side effects.
func (c *Client) GetSession(ctx context.Context, sessionID domain.SessionID) (*domain.CallSession, error) {
	var resp sessionResponse
	path := fmt.Sprintf("/api/video/session/%s", sessionID)
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	return &domain.CallSession{
		ID:            resp.SessionID,
		RoomID:        resp.RoomID,
		AppointmentID: resp.AppointmentID,
		Status:        resp.Status,
		CreatedAt:     resp.CreatedAt,
	}, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	return retry.Do(ctx, c.retry, func() error {
		return c.breaker.Execute(ctx, func() error {
			return c.doRequest(ctx, method, path, body, out)
		})
	})
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewDirectoryError(err, "directory request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrSessionNotFound
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		appErr := errors.NewDirectoryError(
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data)),
			"directory request rejected",
		)
		appErr.HTTPStatus = resp.StatusCode
		return appErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.NewDirectoryError(err, "failed to decode directory response")
		}
	}
	return nil
}
