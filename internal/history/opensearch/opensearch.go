// Package opensearch indexes operation events as flat documents through the
// OpenSearch (or Elasticsearch) document API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/husky2466-codo/ai-command-center-sub001/internal/events"
	"github.com/husky2466-codo/ai-command-center-sub001/internal/history"
)

type Config struct {
	// BaseURL is scheme://host[:port] of the cluster.
	BaseURL  string
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

// Sink posts one document per event to {BaseURL}/{Index}/_doc.
type Sink struct {
	client *http.Client
	docURL string
	cfg    Config
}

// document mirrors history.Row with the field names dashboards expect.
type document struct {
	Timestamp    time.Time `json:"@timestamp"`
	Event        string    `json:"event"`
	ConnectionID string    `json:"connection_id"`
	OperationID  string    `json:"operation_id,omitempty"`
	PID          int       `json:"pid,omitempty"`
	Name         string    `json:"name,omitempty"`
	Status       string    `json:"status,omitempty"`
	Checked      int       `json:"checked"`
	Synced       int       `json:"synced"`
	Errors       int       `json:"errors"`
}

func New(cfg Config) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Index == "" {
		cfg.Index = "operation-history"
	}
	return &Sink{
		client: &http.Client{Timeout: cfg.Timeout},
		docURL: strings.TrimRight(cfg.BaseURL, "/") + "/" + cfg.Index + "/_doc",
		cfg:    cfg,
	}
}

func (s *Sink) Send(ctx context.Context, e events.Event) error {
	r := history.Flatten(e)
	body, err := json.Marshal(document{
		Timestamp:    r.OccurredAt,
		Event:        r.Event,
		ConnectionID: r.ConnectionID,
		OperationID:  r.OperationID,
		PID:          r.PID,
		Name:         r.Name,
		Status:       r.Status,
		Checked:      r.Checked,
		Synced:       r.Synced,
		Errors:       r.Errors,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.docURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("index event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.cfg.Index, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
