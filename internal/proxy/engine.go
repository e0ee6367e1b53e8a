package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/billing"
	"github.com/g1331/autorouter/internal/circuitbreaker"
	"github.com/g1331/autorouter/internal/classify"
	"github.com/g1331/autorouter/internal/compensate"
	"github.com/g1331/autorouter/internal/selector"
	"github.com/g1331/autorouter/internal/upstream"
)

const (
	maxRequestBody     = 20 << 20 // inbound bodies are buffered for retries
	maxResponseBody    = 32 << 20
	defaultMaxAttempts = 10
)

// Strategy controls how far the failover loop walks the candidate stream.
type Strategy struct {
	// ExhaustAll ignores MaxAttempts and tries every candidate.
	ExhaustAll  bool
	MaxAttempts int
}

// Engine executes the failover loop for one request at a time per call.
type Engine struct {
	client   *http.Client
	registry *upstream.Registry
	breakers *circuitbreaker.Registry
	selector *selector.Selector
	comp     *compensate.Engine
	recorder *billing.Recorder
	strategy Strategy
	log      *slog.Logger
}

// NewEngine wires the forward path.
func NewEngine(client *http.Client, registry *upstream.Registry, breakers *circuitbreaker.Registry,
	sel *selector.Selector, comp *compensate.Engine, recorder *billing.Recorder, strategy Strategy) *Engine {
	if strategy.MaxAttempts <= 0 {
		strategy.MaxAttempts = defaultMaxAttempts
	}
	return &Engine{
		client:   client,
		registry: registry,
		breakers: breakers,
		selector: sel,
		comp:     comp,
		recorder: recorder,
		strategy: strategy,
		log:      slog.Default(),
	}
}

// attemptResult carries the outcome of one forward attempt.
type attemptResult struct {
	// sent is true once any response byte reached the client; failover is
	// impossible past this point.
	sent bool
	// issued is true once the outbound request actually left this process.
	issued bool
	// upstreamFault marks relay errors caused by the upstream rather than by
	// the client side of the connection.
	upstreamFault bool
	statusCode    int
	ttftMs     *int64
	usage      autorouter.Usage
	headerDiff *autorouter.HeaderDiff
	err        error
	errType    autorouter.AttemptErrorType
	failover   bool
}

// ServeHTTP runs the full proxy path: classify, select, fail over, relay.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := autorouter.KeyFromContext(ctx)
	if key == nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	reqID := autorouter.RequestIDFromContext(ctx)
	if reqID == "" {
		reqID = uuid.Must(uuid.NewV7()).String()
	}
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		e.writeEnvelope(w, autorouter.NewErrorEnvelope(
			autorouter.CodeServiceUnavailable, "failed to read request body", reqID))
		return
	}
	r.Body.Close()

	capability, ok := classify.Classify(r.URL.Path, body)
	if !ok {
		env := autorouter.NewErrorEnvelope(autorouter.CodeServiceUnavailable,
			"request path does not match a supported route", reqID)
		env.UserHint = "use an OpenAI, Anthropic, or Gemini compatible endpoint path"
		e.writeEnvelope(w, env)
		return
	}
	model := classify.Model(r.URL.Path, body)
	isStream := classify.IsStream(r.URL.Path, r.URL.RawQuery, body)
	sessionKey := sessionKeyOf(r.Header, body)

	logRec := autorouter.RequestLog{
		ID:         reqID,
		APIKeyID:   key.ID,
		Method:     r.Method,
		Path:       r.URL.Path,
		Model:      model,
		Capability: capability,
		IsStream:   isStream,
		SessionKey: sessionKey,
		LBStrategy: "priority_weighted",
		CreatedAt:  start.UTC(),
	}

	all, err := e.registry.List(ctx)
	if err != nil {
		e.log.LogAttrs(ctx, slog.LevelError, "upstream list failed",
			slog.String("request_id", reqID), slog.String("error", err.Error()))
		e.finish(w, r, &logRec, start, nil, autorouter.NewErrorEnvelope(
			autorouter.CodeServiceUnavailable, "temporary routing failure", reqID))
		return
	}
	if len(all) == 0 {
		e.finish(w, r, &logRec, start, nil, autorouter.NewErrorEnvelope(
			autorouter.CodeNoUpstreamsConfigured, "no upstreams are configured", reqID))
		return
	}

	stream := e.selector.Select(selector.Request{
		Key:        key,
		Capability: capability,
		Model:      model,
		SessionKey: sessionKey,
	}, all)

	if stream.Len() == 0 {
		e.finish(w, r, &logRec, start, nil, e.emptyStreamEnvelope(key, stream, reqID))
		return
	}

	budget := stream.Len()
	if !e.strategy.ExhaustAll && budget > e.strategy.MaxAttempts {
		budget = e.strategy.MaxAttempts
	}

	var last *attemptResult
	var served *autorouter.Upstream
	didSend := false
	for c := stream.Next(); c != nil && logRec.FailoverAttempts < budget; c = stream.Next() {
		if ctx.Err() != nil {
			break
		}
		logRec.FailoverAttempts++
		logRec.RoutingType = c.RoutingType
		logRec.PriorityTier = c.Tier
		logRec.AffinityMigrated = logRec.AffinityMigrated || c.AffinityMigrated

		res := e.attempt(ctx, w, r, c.Upstream, body, capability, model, isStream)
		if res.issued {
			didSend = true
		}

		// Every attempt lands in the history, terminal ones included, so the
		// attempt counter and the history length always agree.
		entry := autorouter.FailoverAttempt{
			UpstreamID:   c.Upstream.ID,
			UpstreamName: c.Upstream.Name,
			AttemptedAt:  time.Now().UTC(),
			StatusCode:   res.statusCode,
		}
		if res.err != nil {
			entry.ErrorType = res.errType
			entry.ErrorMessage = res.err.Error()
		}
		logRec.FailoverHistory = append(logRec.FailoverHistory, entry)
		last = res

		if ctx.Err() != nil && !res.sent {
			break
		}
		if res.err == nil || !res.failover || res.sent {
			served = c.Upstream
			break
		}
		served = nil
	}

	if served == nil {
		env := e.exhaustedEnvelope(ctx, last, reqID)
		env.DidSendUpstream = didSend
		// The terminal history entry carries the status the client actually
		// received, not the last upstream's raw status.
		if n := len(logRec.FailoverHistory); n > 0 && env.Error.Code != autorouter.CodeClientDisconnected {
			logRec.FailoverHistory[n-1].StatusCode = env.Error.Code.HTTPStatus()
		}
		e.finish(w, r, &logRec, start, nil, env)
		return
	}

	logRec.UpstreamID = served.ID
	logRec.StatusCode = last.statusCode
	logRec.TTFTMs = last.ttftMs
	logRec.Usage = last.usage
	logRec.HeaderDiff = last.headerDiff

	if last.err != nil && last.sent {
		// Mid-stream failure after bytes went out: the SSE error frame was
		// already written by the attempt.
		e.finish(w, r, &logRec, start, served, nil)
		return
	}

	if sessionKey != "" {
		e.selector.Observe(sessionKey, served.ID, affinityDelta(served, body, last.usage))
	}
	e.finish(w, r, &logRec, start, served, nil)
}

// finish records the request log and, when env is non-nil, writes the error
// envelope to the client.
func (e *Engine) finish(w http.ResponseWriter, r *http.Request, logRec *autorouter.RequestLog,
	start time.Time, served *autorouter.Upstream, env *autorouter.ErrorEnvelope) {

	logRec.DurationMs = time.Since(start).Milliseconds()
	if env != nil {
		logRec.StatusCode = env.Error.Code.HTTPStatus()
		if env.Error.Code != autorouter.CodeClientDisconnected {
			e.writeEnvelope(w, env)
		}
	}
	e.recorder.Record(billing.Event{Log: *logRec, Upstream: served})
}

// emptyStreamEnvelope distinguishes why the candidate stream came out empty.
func (e *Engine) emptyStreamEnvelope(key *autorouter.APIKey, stream *selector.Stream, reqID string) *autorouter.ErrorEnvelope {
	if len(key.UpstreamIDs) == 0 {
		env := autorouter.NewErrorEnvelope(autorouter.CodeNoAuthorizedUpstreams,
			"this API key is not authorized for any upstream", reqID)
		env.UserHint = "ask an administrator to bind upstreams to the key"
		return env
	}
	allUnbound := true
	for _, sk := range stream.Skips() {
		if sk.Reason != selector.SkipNotBound {
			allUnbound = false
			break
		}
	}
	if allUnbound {
		env := autorouter.NewErrorEnvelope(autorouter.CodeNoAuthorizedUpstreams,
			"this API key is not authorized for any matching upstream", reqID)
		return env
	}
	env := autorouter.NewErrorEnvelope(autorouter.CodeAllUpstreamsUnavailable,
		"no upstream is currently able to serve this request", reqID)
	env.Reason = skipSummary(stream.Skips())
	if breakersEmptied(stream.Skips()) {
		env.Reason = "NO_HEALTHY_CANDIDATES"
	}
	return env
}

// breakersEmptied reports whether every upstream that was otherwise eligible
// for this request was held back by an open circuit.
func breakersEmptied(skips []selector.Skip) bool {
	open := 0
	for _, sk := range skips {
		switch sk.Reason {
		case selector.SkipCircuitOpen:
			open++
		case selector.SkipNotBound, selector.SkipInactive,
			selector.SkipNoCapability, selector.SkipModelNotListed:
			// Not a candidate for this request in the first place.
		default:
			return false
		}
	}
	return open > 0
}

// exhaustedEnvelope maps the last failed attempt to the client-facing code.
func (e *Engine) exhaustedEnvelope(ctx context.Context, last *attemptResult, reqID string) *autorouter.ErrorEnvelope {
	if ctx.Err() != nil {
		return autorouter.NewErrorEnvelope(autorouter.CodeClientDisconnected,
			"client closed the connection", reqID)
	}
	code := autorouter.CodeAllUpstreamsUnavailable
	if last != nil && last.errType == autorouter.AttemptTimeout {
		code = autorouter.CodeRequestTimeout
	}
	env := autorouter.NewErrorEnvelope(code,
		"all upstreams failed to serve this request", reqID)
	if last != nil {
		env.Reason = string(last.errType)
	}
	return env
}

// attempt forwards the request to one upstream and relays the response.
func (e *Engine) attempt(ctx context.Context, w http.ResponseWriter, r *http.Request,
	u *autorouter.Upstream, body []byte, capability autorouter.RouteCapability,
	model string, isStream bool) *attemptResult {

	res := &attemptResult{}

	breaker := e.breakers.GetOrCreate(u.ID, u.Breaker)
	probe, err := breaker.Acquire()
	if err != nil {
		res.err = err
		res.errType = autorouter.AttemptCircuitOpen
		res.failover = true
		return res
	}

	credential, err := e.registry.Credential(u)
	if err != nil {
		breaker.OnFailure(probe)
		res.err = fmt.Errorf("credential unseal failed")
		res.errType = autorouter.AttemptConnError
		res.failover = true
		return res
	}

	outBody := body
	if redirected := u.RedirectModel(model); redirected != model && len(body) > 0 {
		if b, err := sjson.SetBytes(bytes.Clone(body), "model", redirected); err == nil {
			outBody = b
		}
	}

	entries, err := e.comp.Apply(ctx, capability, r.Header, body)
	if err != nil {
		e.log.LogAttrs(ctx, slog.LevelWarn, "compensation apply failed",
			slog.String("upstream_id", u.ID), slog.String("error", err.Error()))
	}
	outHeader, diff := buildOutbound(r.Header, u.Family(), credential, entries)
	res.headerDiff = diff

	timeout := time.Duration(u.Timeout) * time.Second
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// One timer covers both deadlines: time to first byte, then the idle gap
	// between stream reads. Each read resets it.
	timer := time.AfterFunc(timeout, cancel)
	defer timer.Stop()

	targetURL := strings.TrimSuffix(u.BaseURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}
	outReq, err := http.NewRequestWithContext(attemptCtx, r.Method, targetURL, bytes.NewReader(outBody))
	if err != nil {
		breaker.OnFailure(probe)
		res.err = fmt.Errorf("build upstream request: %w", err)
		res.errType = autorouter.AttemptConnError
		res.failover = true
		return res
	}
	outReq.Header = outHeader

	sentAt := time.Now()
	res.issued = true
	resp, err := e.client.Do(outReq)
	if err != nil {
		if ctx.Err() != nil {
			// Client went away; the upstream is not at fault.
			res.err = err
			res.failover = false
			return res
		}
		breaker.OnFailure(probe)
		res.err = err
		res.errType = classifyTransportError(attemptCtx, err)
		res.failover = true
		return res
	}
	defer resp.Body.Close()
	res.statusCode = resp.StatusCode

	if failoverableStatus(resp.StatusCode, u.ExcludeStatusCodes) {
		breaker.OnFailure(probe)
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		res.err = fmt.Errorf("upstream returned %d", resp.StatusCode)
		res.errType = statusErrorType(resp.StatusCode)
		res.failover = true
		return res
	}

	copyResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	res.sent = true

	streaming := isStream || strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	if streaming {
		e.relayStream(ctx, attemptCtx, res, w, resp.Body, timer, timeout, sentAt)
	} else {
		e.relayBody(res, w, resp.Body, sentAt)
	}

	// The breaker verdict waits for the relay: a 200 whose stream dies midway
	// is still an upstream failure. Non-failoverable 4xx are client errors and
	// do not indict the upstream.
	if res.upstreamFault {
		breaker.OnFailure(probe)
	} else {
		breaker.OnSuccess(probe)
	}
	return res
}

// relayBody copies a buffered response, then parses usage from it.
func (e *Engine) relayBody(res *attemptResult, w http.ResponseWriter, body io.Reader, sentAt time.Time) {
	data, err := io.ReadAll(io.LimitReader(body, maxResponseBody))
	if len(data) > 0 {
		ttft := time.Since(sentAt).Milliseconds()
		res.ttftMs = &ttft
		if _, werr := w.Write(data); werr != nil {
			res.err = fmt.Errorf("client write: %w", werr)
		}
		if u, ok := parseUsage(data); ok {
			res.usage = u
		}
	}
	if err != nil {
		res.upstreamFault = true
		res.err = fmt.Errorf("relay response: %w", err)
	}
}

// relayStream forwards SSE bytes verbatim with flush-on-read, resetting the
// idle timer on every chunk and parsing usage from data events as they pass.
func (e *Engine) relayStream(parent, attemptCtx context.Context, res *attemptResult,
	w http.ResponseWriter, body io.Reader, timer *time.Timer, timeout time.Duration, sentAt time.Time) {

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var tail []byte // carry partial SSE lines across reads

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			timer.Reset(timeout)
			if res.ttftMs == nil {
				ttft := time.Since(sentAt).Milliseconds()
				res.ttftMs = &ttft
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				res.err = fmt.Errorf("client write: %w", werr)
				return
			}
			if canFlush {
				flusher.Flush()
			}
			tail = e.scanUsage(res, append(tail, buf[:n]...))
		}
		if readErr != nil {
			if readErr == io.EOF {
				return
			}
			if parent.Err() != nil {
				// Client went away mid-stream; the upstream is not at fault.
				res.err = fmt.Errorf("client gone: %w", readErr)
				return
			}
			res.upstreamFault = true
			res.err = fmt.Errorf("upstream stream: %w", readErr)
			if attemptCtx.Err() != nil {
				res.err = fmt.Errorf("stream idle past %s: %w", timeout, readErr)
			}
			res.errType = autorouter.AttemptStreamError
			e.writeStreamError(w, flusher, canFlush)
			return
		}
	}
}

// scanUsage consumes complete SSE lines from pending, folding any usage found
// in data payloads into the result. The unterminated remainder is returned.
func (e *Engine) scanUsage(res *attemptResult, pending []byte) []byte {
	for {
		idx := bytes.IndexByte(pending, '\n')
		if idx < 0 {
			return pending
		}
		line := bytes.TrimSuffix(pending[:idx], []byte("\r"))
		pending = pending[idx+1:]

		data, found := bytes.CutPrefix(line, []byte("data:"))
		if !found {
			continue
		}
		data = bytes.TrimPrefix(data, []byte(" "))
		if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
			continue
		}
		if u, ok := parseUsage(data); ok {
			res.usage = mergeUsage(res.usage, u)
		}
	}
}

// writeStreamError emits the in-band SSE error frame for a stream that broke
// after bytes already reached the client.
func (e *Engine) writeStreamError(w http.ResponseWriter, flusher http.Flusher, canFlush bool) {
	payload, _ := json.Marshal(autorouter.ErrorBody{
		Message: "upstream stream interrupted",
		Type:    autorouter.CodeStreamError.ErrorType(),
		Code:    autorouter.CodeStreamError,
	})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	if canFlush {
		flusher.Flush()
	}
}

func (e *Engine) writeEnvelope(w http.ResponseWriter, env *autorouter.ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.Error.Code.HTTPStatus())
	if err := json.NewEncoder(w).Encode(env); err != nil {
		e.log.Warn("envelope write failed", slog.String("error", err.Error()))
	}
}

// classifyTransportError maps a client.Do error to an attempt error type.
func classifyTransportError(attempt context.Context, err error) autorouter.AttemptErrorType {
	if attempt.Err() != nil || errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return autorouter.AttemptTimeout
	}
	return autorouter.AttemptConnError
}

// failoverableStatus reports whether a status moves the loop to the next
// candidate: 5xx, 429, and 408, minus the upstream's excluded codes.
func failoverableStatus(status int, excluded []int) bool {
	for _, code := range excluded {
		if status == code {
			return false
		}
	}
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

func statusErrorType(status int) autorouter.AttemptErrorType {
	switch {
	case status == http.StatusTooManyRequests:
		return autorouter.AttemptHTTP429
	case status == http.StatusRequestTimeout:
		return autorouter.AttemptTimeout
	default:
		return autorouter.AttemptHTTP5xx
	}
}

func copyResponseHeaders(w http.ResponseWriter, h http.Header) {
	for name, vals := range h {
		if _, hop := hopByHopHeaders[name]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(name, v)
		}
	}
}

// skipSummary folds skip records into a compact reason string without
// leaking upstream identities.
func skipSummary(skips []selector.Skip) string {
	counts := map[selector.SkipReason]int{}
	order := make([]selector.SkipReason, 0, 4)
	for _, sk := range skips {
		if counts[sk.Reason] == 0 {
			order = append(order, sk.Reason)
		}
		counts[sk.Reason]++
	}
	parts := make([]string, 0, len(order))
	for _, reason := range order {
		parts = append(parts, fmt.Sprintf("%s=%d", reason, counts[reason]))
	}
	return strings.Join(parts, ", ")
}

// sessionKeyOf extracts the sticky-session key: the Session-Id header first,
// then the request body's metadata.user_id.
func sessionKeyOf(h http.Header, body []byte) string {
	if v := strings.TrimSpace(h.Get("Session-Id")); v != "" {
		return v
	}
	return gjson.GetBytes(body, "metadata.user_id").String()
}

// affinityDelta computes the migration metric increment for one request.
func affinityDelta(u *autorouter.Upstream, body []byte, usage autorouter.Usage) int64 {
	if u.AffinityMetricOrDefault() == autorouter.MetricTokens {
		return int64(usage.PromptTokens + usage.CompletionTokens)
	}
	return int64(len(body))
}
