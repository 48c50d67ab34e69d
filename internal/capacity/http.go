package capacity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kyri56xcaesar/eventteams/internal/membership"
)

// HTTP asks the event catalog service: GET {Base}/events/{id}.
type HTTP struct {
	Base   string
	Client *http.Client
	// Token returns the bearer to forward, empty for none.
	Token func(ctx context.Context) string
}

func NewHTTP(base string, token func(ctx context.Context) string) *HTTP {
	return &HTTP{
		Base:   strings.TrimRight(base, "/"),
		Client: &http.Client{Timeout: 5 * time.Second},
		Token:  token,
	}
}

type eventResponse struct {
	Event struct {
		TeamSize membership.Bounds `json:"teamSize"`
	} `json:"event"`
}

func (h *HTTP) TeamBounds(ctx context.Context, eventID string) (membership.Bounds, error) {
	var resp eventResponse
	err := h.doJSON(ctx, http.MethodGet, h.Base+"/events/"+url.PathEscape(eventID), &resp)
	if err != nil {
		return membership.Bounds{}, err
	}
	return resp.Event.TeamSize, nil
}

func (h *HTTP) doJSON(ctx context.Context, method, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}

	req.Header.Set("Accept", "application/json")
	if h.Token != nil {
		if bearer := h.Token(ctx); bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return membership.ErrEventNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("event catalog %s %s -> %d: %s", method, target, resp.StatusCode, string(b))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
