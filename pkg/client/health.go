package client

import "context"

type HealthCheckResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

func (c *Client) Health(ctx context.Context) (*HealthCheckResponse, error) {
	var resp HealthCheckResponse
	if err := c.Send(ctx, "/api/health", nil, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}
