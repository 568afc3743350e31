package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"TeamChat/module/chat/ingest"
	"TeamChat/module/chat/outbox"
	msgsync "TeamChat/module/chat/sync"
)

// Pipeline is the gateway's view of the message services. Deployments
// either embed the services in-process or reach a worker over HTTP.
type Pipeline interface {
	Submit(ctx context.Context, in ingest.Input) (*ingest.Result, error)
	MarkRead(ctx context.Context, userID, conversationID string, upToSeq int64) error
	AckDelivered(ctx context.Context, userID, conversationID string, seq int64) error
	RelayEphemeral(ctx context.Context, kind, conversationID, fromUserID, state string) error
	AnnounceOffline(ctx context.Context, userID string) error
}

// LocalPipeline wires the services directly, for single-binary setups
// and tests.
type LocalPipeline struct {
	Ingest *ingest.Service
	Sync   *msgsync.Service
	Relay  *outbox.Relay
}

func (p *LocalPipeline) Submit(ctx context.Context, in ingest.Input) (*ingest.Result, error) {
	return p.Ingest.Submit(ctx, in)
}

func (p *LocalPipeline) MarkRead(ctx context.Context, userID, conversationID string, upToSeq int64) error {
	return p.Sync.MarkRead(ctx, userID, conversationID, upToSeq)
}

func (p *LocalPipeline) AckDelivered(ctx context.Context, userID, conversationID string, seq int64) error {
	return p.Sync.AckDelivered(ctx, userID, conversationID, seq)
}

func (p *LocalPipeline) RelayEphemeral(ctx context.Context, kind, conversationID, fromUserID, state string) error {
	return p.Relay.RelayEphemeral(ctx, kind, conversationID, fromUserID, state)
}

func (p *LocalPipeline) AnnounceOffline(ctx context.Context, userID string) error {
	return p.Relay.AnnounceOffline(ctx, userID)
}

// HTTPPipeline calls the worker's internal API.
type HTTPPipeline struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPPipeline(baseURL string) *HTTPPipeline {
	return &HTTPPipeline{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPPipeline) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker %s: status=%d body=%s", path, resp.StatusCode, raw)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (p *HTTPPipeline) Submit(ctx context.Context, in ingest.Input) (*ingest.Result, error) {
	var res ingest.Result
	if err := p.post(ctx, "/internal/messages", in, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (p *HTTPPipeline) MarkRead(ctx context.Context, userID, conversationID string, upToSeq int64) error {
	return p.post(ctx, "/internal/read", map[string]any{
		"user_id":         userID,
		"conversation_id": conversationID,
		"up_to_seq":       upToSeq,
	}, nil)
}

func (p *HTTPPipeline) AckDelivered(ctx context.Context, userID, conversationID string, seq int64) error {
	return p.post(ctx, "/internal/ack", map[string]any{
		"user_id":         userID,
		"conversation_id": conversationID,
		"seq":             seq,
	}, nil)
}

func (p *HTTPPipeline) RelayEphemeral(ctx context.Context, kind, conversationID, fromUserID, state string) error {
	return p.post(ctx, "/internal/relay", map[string]any{
		"kind":            kind,
		"conversation_id": conversationID,
		"from_user_id":    fromUserID,
		"state":           state,
	}, nil)
}

func (p *HTTPPipeline) AnnounceOffline(ctx context.Context, userID string) error {
	return p.post(ctx, "/internal/offline", map[string]any{"user_id": userID}, nil)
}
