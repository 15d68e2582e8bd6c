package gqlx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultBatchInterval = 10 * time.Millisecond
	defaultBatchMax      = 10
	defaultBatchTimeout  = 30 * time.Second

	requestIDExtension = "requestId"
)

// batcher is the HTTP send stage. Operations with the same headers that arrive
// within one interval share a single POST of a JSON array.
type batcher struct {
	endpoint string
	client   *http.Client

	// closeBody and checkStatus mirror Option.CloseBody and Option.NotCheckHTTPStatusCode200
	closeBody   bool
	checkStatus bool

	interval time.Duration
	max      int
	timeout  time.Duration
	log      *zap.Logger
	metrics  *Metrics

	mu      sync.Mutex
	pending map[string]*batch
}

type batch struct {
	header  http.Header
	entries []*batchEntry
	timer   *time.Timer
}

type batchEntry struct {
	ctx context.Context
	op  *Operation
	id  string
	out *sink
}

type batchRequest struct {
	Request
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

type batchResponse struct {
	Data       json.RawMessage        `json:"data,omitempty"`
	Errors     GraphQLErrors          `json:"errors,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

func newBatcher(opt *Option, metrics *Metrics) *batcher {
	b := &batcher{
		endpoint:    opt.Endpoint,
		client:      opt.HTTPClient,
		closeBody:   opt.CloseBody,
		checkStatus: !opt.NotCheckHTTPStatusCode200,
		interval:    opt.BatchInterval,
		max:         opt.BatchMax,
		timeout:     opt.BatchTimeout,
		log:         opt.Logger.With(zap.String("component", "http")),
		metrics:     metrics,
		pending:     make(map[string]*batch),
	}
	if b.client == nil {
		b.client = http.DefaultClient
	}
	if b.interval <= 0 {
		b.interval = defaultBatchInterval
	}
	if b.max <= 0 {
		b.max = defaultBatchMax
	}
	if b.timeout <= 0 {
		b.timeout = defaultBatchTimeout
	}
	return b
}

// Handle queues op into the open batch for its headers. The batch is sent when the
// interval elapses or it is full.
func (b *batcher) Handle(ctx context.Context, op *Operation) <-chan Result {
	if ctx.Err() != nil {
		return closedStream()
	}
	e := &batchEntry{ctx: ctx, op: op, id: uuid.NewString(), out: newSink(1)}
	key := headerKey(op.Context.Headers)

	b.mu.Lock()
	bt, ok := b.pending[key]
	if !ok {
		bt = &batch{header: op.Context.Headers.Clone()}
		b.pending[key] = bt
		bt.timer = time.AfterFunc(b.interval, func() { b.flush(key, bt) })
	}
	bt.entries = append(bt.entries, e)
	full := len(bt.entries) >= b.max
	if full {
		bt.timer.Stop()
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if full {
		go b.dispatch(bt)
	}
	return e.out.c
}

func (b *batcher) flush(key string, bt *batch) {
	b.mu.Lock()
	if b.pending[key] != bt {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	b.mu.Unlock()
	b.dispatch(bt)
}

func headerKey(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(strings.Join(h[k], ","))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (b *batcher) dispatch(bt *batch) {
	live := bt.entries[:0]
	for _, e := range bt.entries {
		if e.ctx.Err() != nil {
			e.out.finish()
			continue
		}
		live = append(live, e)
	}
	if len(live) == 0 {
		return
	}
	b.metrics.batched(len(live))

	callCtx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	remaining := int32(len(live))
	for _, e := range live {
		go func(e *batchEntry) {
			select {
			case <-e.ctx.Done():
				if atomic.AddInt32(&remaining, -1) == 0 {
					cancel()
				}
			case <-callCtx.Done():
			}
		}(e)
	}

	resps, err := b.post(callCtx, bt.header, live)
	if err != nil {
		err = abortErr(callCtx, err)
		if ClassifyAbort(err) == AbortClient {
			b.log.Debug("graphql batch aborted by its callers", zap.Int("batch", len(live)), zap.Error(err))
		}
		for _, e := range live {
			if e.ctx.Err() == nil {
				e.out.emit(e.ctx, Result{Err: err})
			}
			e.out.finish()
		}
		return
	}

	for i, e := range live {
		r := resps[i]
		if e.ctx.Err() == nil {
			res := Result{Data: r.Data}
			if len(r.Errors) > 0 {
				res.Err = r.Errors
			}
			e.out.emit(e.ctx, res)
		}
		e.out.finish()
	}
}

// abortErr tags err with the reason callCtx ended: its timeout, or every caller
// of the batch going away.
func abortErr(callCtx context.Context, err error) error {
	switch callCtx.Err() {
	case context.DeadlineExceeded:
		return errors.Wrap(ErrTimeoutAbort, err.Error())
	case context.Canceled:
		return errors.Wrap(ErrClientAbort, err.Error())
	}
	return err
}

// post sends one physical call and returns the responses in the order of entries.
func (b *batcher) post(ctx context.Context, header http.Header, entries []*batchEntry) ([]batchResponse, error) {
	reqs := make([]batchRequest, len(entries))
	for i, e := range entries {
		reqs[i] = batchRequest{
			Request:    e.op.Request,
			Extensions: map[string]interface{}{requestIDExtension: e.id},
		}
	}
	operationsJson, err := json.Marshal(reqs)
	if err != nil {
		return nil, errors.Wrap(err, "json encode graphql batch")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(operationsJson))
	if err != nil {
		return nil, errors.Wrap(err, "build graphql http request")
	}
	httpReq.Close = b.closeBody
	for k, v := range header {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("Accept", "application/json; charset=utf-8")

	b.log.Debug("graphql request",
		zap.String("method", httpReq.Method),
		zap.String("url", httpReq.URL.String()),
		zap.Int("batch", len(entries)),
		zap.ByteString("body", operationsJson),
	)
	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "graphql http request")
	}
	defer httpResp.Body.Close()

	savedBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read graphql http response")
	}
	b.log.Debug("graphql response",
		zap.String("status", httpResp.Status),
		zap.ByteString("body", savedBody),
	)
	httpErr := &HTTPError{
		Code:      httpResp.StatusCode,
		Status:    httpResp.Status,
		SavedBody: string(savedBody),
	}
	if b.checkStatus && httpResp.StatusCode != http.StatusOK {
		return nil, httpErr
	}

	var resps []batchResponse
	if err := json.Unmarshal(savedBody, &resps); err != nil {
		if httpResp.StatusCode != http.StatusOK {
			return nil, httpErr
		}
		return nil, &JSONError{OriginError: err, JSON: string(savedBody)}
	}
	if len(resps) != len(entries) {
		return nil, &JSONError{
			OriginError: errors.Errorf("batch of %d answered with %d results", len(entries), len(resps)),
			JSON:        string(savedBody),
		}
	}
	return demux(entries, resps), nil
}

// demux orders resps like entries. Responses echoing a request id are matched by
// it, the rest keep their position.
func demux(entries []*batchEntry, resps []batchResponse) []batchResponse {
	byID := make(map[string]int, len(resps))
	for i, r := range resps {
		if id, ok := r.Extensions[requestIDExtension].(string); ok {
			byID[id] = i
		}
	}
	if len(byID) != len(resps) {
		return resps
	}
	ordered := make([]batchResponse, len(entries))
	for i, e := range entries {
		j, ok := byID[e.id]
		if !ok {
			return resps
		}
		ordered[i] = resps[j]
	}
	return ordered
}
