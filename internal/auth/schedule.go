package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/classpeer/presence/internal/domain"
)

// Schedule is the external scheduling system: it knows whether a
// session exists, who its legitimate participants are, and whether it
// is inside its allowed time window.
type Schedule interface {
	CanAccess(ctx context.Context, uid domain.UserID, sid domain.SessionID) (bool, error)
}

// ScheduleFunc adapts a function to Schedule.
type ScheduleFunc func(ctx context.Context, uid domain.UserID, sid domain.SessionID) (bool, error)

func (f ScheduleFunc) CanAccess(ctx context.Context, uid domain.UserID, sid domain.SessionID) (bool, error) {
	return f(ctx, uid, sid)
}

// HTTPSchedule asks the scheduling service over its internal REST API.
type HTTPSchedule struct {
	base   string
	client *http.Client
}

func NewHTTPSchedule(base string) *HTTPSchedule {
	return &HTTPSchedule{
		base:   base,
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

func (h *HTTPSchedule) CanAccess(ctx context.Context, uid domain.UserID, sid domain.SessionID) (bool, error) {
	u := fmt.Sprintf("%s/api/sessions/%s/access?userId=%d", h.base, url.PathEscape(string(sid)), uid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("schedule request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("schedule request: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("schedule response: %w", err)
	}
	return body.Allowed, nil
}
