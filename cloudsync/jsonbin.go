// Package cloudsync mirrors the Database to a jsonbin-style document store.
//
// The remote document is overwritten wholesale on every push and there is no
// conflict detection: the last writer wins.
package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"school-records-server/config"
	"school-records-server/models"
)

const masterKeyHeader = "X-Master-Key"

// latestResponse is the envelope returned by GET /b/{bin}/latest.
type latestResponse struct {
	Record json.RawMessage `json:"record"`
}

// Client talks to the remote document store.
type Client struct {
	http    *resty.Client
	binID   string
	enabled bool
	log     *zap.SugaredLogger
}

// New creates a Client. When the configuration has no usable key or bin the
// client is disabled and every call is a no-op.
func New(cfg config.CloudConfig, log *zap.SugaredLogger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader(masterKeyHeader, cfg.APIKey).
		SetRetryCount(0)

	return &Client{
		http:    client,
		binID:   cfg.BinID,
		enabled: cfg.CloudEnabled(),
		log:     log,
	}
}

// Enabled reports whether sync is configured.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Fetch returns the current remote record, or nil when sync is disabled or the
// bin is empty.
func (c *Client) Fetch(ctx context.Context) (json.RawMessage, error) {
	if !c.enabled {
		return nil, nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("bin", c.binID).
		Get("/b/{bin}/latest")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from cloud: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("cloud API error: %s", resp.Status())
	}

	var envelope latestResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, fmt.Errorf("invalid cloud response: %w", err)
	}
	if len(envelope.Record) == 0 || bytes.Equal(envelope.Record, []byte("null")) {
		return nil, nil
	}
	c.log.Infof("Fetched database from cloud bin %s (%d bytes)", c.binID, len(envelope.Record))
	return envelope.Record, nil
}

// Push overwrites the remote record with database.
func (c *Client) Push(ctx context.Context, database *models.Database) error {
	if !c.enabled {
		return nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("bin", c.binID).
		SetBody(database).
		Put("/b/{bin}")
	if err != nil {
		return fmt.Errorf("failed to push to cloud: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("cloud API error on save: %s", resp.Status())
	}
	return nil
}
