package power

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/kbisect/kbisect/internal/domain"
)

// LabAutoController drives a host through a site's lab-automation REST
// service (the kind of rack-level power-distribution-unit controller
// common in kernel test labs). Calls are throttled per host, since these
// services are frequently shared across many concurrent bisection runs
// and rate-limit aggressively.
type LabAutoController struct {
	baseURL string
	client  *http.Client
	limiter *catrate.Limiter
}

// NewLabAutoController returns a controller calling baseURL, allowing at
// most maxPerMinute calls per host.
func NewLabAutoController(baseURL string, maxPerMinute int) *LabAutoController {
	return &LabAutoController{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: catrate.NewLimiter(map[time.Duration]int{time.Minute: maxPerMinute}),
	}
}

func (c *LabAutoController) call(ctx context.Context, host domain.Host, verb string) (map[string]any, error) {
	if _, ok := c.limiter.Allow(host.ID); !ok {
		return nil, fmt.Errorf("lab-automation rate limit exceeded for host %s", host.ID)
	}

	url := fmt.Sprintf("%s/hosts/%s/power/%s", c.baseURL, host.PowerConfig["unit_id"], verb)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := host.PowerConfig["api_token"]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lab-automation call: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("lab-automation returned %d: %v", resp.StatusCode, body)
	}
	return body, nil
}

func (c *LabAutoController) Status(ctx context.Context, host domain.Host) (Status, error) {
	body, err := c.call(ctx, host, "status")
	if err != nil {
		return StatusUnknown, err
	}
	switch fmt.Sprint(body["state"]) {
	case "on":
		return StatusOn, nil
	case "off":
		return StatusOff, nil
	default:
		return StatusUnknown, nil
	}
}

func (c *LabAutoController) Cycle(ctx context.Context, host domain.Host) error {
	_, err := c.call(ctx, host, "cycle")
	return err
}

func (c *LabAutoController) On(ctx context.Context, host domain.Host) error {
	_, err := c.call(ctx, host, "on")
	return err
}

func (c *LabAutoController) Off(ctx context.Context, host domain.Host) error {
	_, err := c.call(ctx, host, "off")
	return err
}

func (c *LabAutoController) Reset(ctx context.Context, host domain.Host) error {
	_, err := c.call(ctx, host, "reset")
	return err
}
