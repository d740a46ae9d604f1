package ledgerclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/vilokanam/internal/observability/tracing"
	settlementdomain "github.com/smallbiznis/vilokanam/internal/settlement/domain"
	"github.com/smallbiznis/vilokanam/internal/settlement/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	methodJoinStream    = "tickstream_joinStream"
	methodSubmitAccrual = "tickstream_submitAccrual"
	methodGetTickCount  = "tickstream_getTickCount"

	tracerName = "vilokanam/ledgerclient"
)

type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type accrualParams struct {
	SessionID   string `json:"session_id"`
	StreamID    string `json:"stream_id"`
	Viewer      string `json:"viewer"`
	PrevIndex   uint64 `json:"prev_index"`
	TargetIndex uint64 `json:"target_index"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
}

// RPC talks JSON-RPC 2.0 over HTTP to the tick-stream node.
type RPC struct {
	httpClient *http.Client
	rpcURL     string
	requestID  atomic.Int64
	log        *zap.Logger
}

func NewRPC(rpcURL string, timeout time.Duration, log *zap.Logger) *RPC {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RPC{
		httpClient: &http.Client{Timeout: timeout},
		rpcURL:     rpcURL,
		log:        log.Named("ledgerclient"),
	}
}

func (c *RPC) JoinStream(ctx context.Context, viewerID, creatorID string) error {
	ctx, end := tracing.StartClientSpan(ctx, tracerName, "ledger.join_stream",
		attribute.String("creator_id", creatorID))
	_, err := c.call(ctx, methodJoinStream, []any{creatorID, viewerID})
	end(err)
	return err
}

func (c *RPC) SubmitAccrual(ctx context.Context, sa settlementdomain.SignedAccrual) (settlementdomain.SubmitResult, error) {
	ctx, end := tracing.StartClientSpan(ctx, tracerName, "ledger.submit_accrual",
		attribute.String("session_id", sa.SessionID.String()),
		attribute.Int64("target_index", int64(sa.TargetIndex)),
	)
	res, err := c.submit(ctx, sa)
	end(err)
	return res, err
}

func (c *RPC) submit(ctx context.Context, sa settlementdomain.SignedAccrual) (settlementdomain.SubmitResult, error) {
	params := accrualParams{
		SessionID:   sa.SessionID.String(),
		StreamID:    sa.CreatorID,
		Viewer:      sa.ViewerID,
		PrevIndex:   sa.PrevIndex,
		TargetIndex: sa.TargetIndex,
		PublicKey:   hex.EncodeToString(sa.PublicKey),
		Signature:   hex.EncodeToString(sa.Signature),
	}
	raw, err := c.call(ctx, methodSubmitAccrual, []any{params})
	if err != nil {
		return settlementdomain.SubmitResult{}, err
	}

	var res settlementdomain.SubmitResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return settlementdomain.SubmitResult{}, retry.Transient(fmt.Errorf("decode submit result: %w", err))
	}
	switch res.Outcome {
	case settlementdomain.OutcomeCommitted, settlementdomain.OutcomeRejected, settlementdomain.OutcomePending:
		return res, nil
	default:
		return settlementdomain.SubmitResult{}, retry.Transient(fmt.Errorf("unknown submit status %q", res.Outcome))
	}
}

func (c *RPC) TickCount(ctx context.Context, creatorID string) (uint64, error) {
	raw, err := c.call(ctx, methodGetTickCount, []any{creatorID})
	if err != nil {
		return 0, err
	}
	var count uint64
	if err := json.Unmarshal(raw, &count); err != nil {
		return 0, fmt.Errorf("decode tick count: %w", err)
	}
	return count, nil
}

// call performs one request. Returned errors carry a retry class.
func (c *RPC) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := Request{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, retry.Terminal(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Terminal(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectContext(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, retry.TransientWithReason(fmt.Errorf("%w: %v", settlementdomain.ErrLedgerUnavailable, err), "http_transport")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(respBody, 256))
		reason := fmt.Sprintf("http_%d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, retry.TransientWithReason(statusErr, reason)
		}
		return nil, retry.TerminalWithReason(statusErr, reason)
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, retry.Transient(fmt.Errorf("unmarshal response: %w", err))
	}
	if rpcResp.Error != nil {
		d := retry.ClassifyJSONRPCCode(rpcResp.Error.Code)
		if d.IsTransient() {
			return nil, retry.TransientWithReason(rpcResp.Error, d.Reason)
		}
		return nil, retry.TerminalWithReason(rpcResp.Error, d.Reason)
	}
	if rpcResp.ID != req.ID {
		c.log.Warn("json-rpc response id mismatch",
			zap.String("method", method),
			zap.Int64("want", req.ID),
			zap.Int64("got", rpcResp.ID),
		)
	}
	return rpcResp.Result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// AsRPCError extracts the node's error, if any.
func AsRPCError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	ok := errors.As(err, &rpcErr)
	return rpcErr, ok
}
