package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kuzerno1/multi-codex-proxy/internal/account"
	"github.com/kuzerno1/multi-codex-proxy/internal/config"
	"github.com/kuzerno1/multi-codex-proxy/internal/ratelimit"
	"github.com/kuzerno1/multi-codex-proxy/internal/telemetry"
	"github.com/kuzerno1/multi-codex-proxy/internal/utils"
)

// defaultRotationTimeout bounds how long one request may spend cycling
// through accounts, waits included, when no request_timeout_ms is set.
const defaultRotationTimeout = 10 * time.Minute

// Request is one proxied call to the Codex backend.
type Request struct {
	Path       string // upstream path, e.g. "/responses"
	Method     string
	Header     http.Header
	Body       []byte
	Model      string
	SessionKey string
}

// TelemetryStore is what the orchestrator needs from the snapshot store.
type TelemetryStore interface {
	TelemetrySink
	ApplyHeaders(key string, h http.Header)
	Get(key string) (*telemetry.Snapshot, bool)
}

// Enqueuer schedules background token refreshes.
type Enqueuer interface {
	Enqueue(index int)
}

// Orchestrator dispatches requests across the account pool. It owns the
// retry loop: account selection, token freshness, the switch-or-wait
// decision on rate limits, and the synthesized 429 when every account is
// exhausted.
type Orchestrator struct {
	manager   *account.Manager
	settings  config.Settings
	tracker   *ratelimit.Tracker
	telemetry TelemetryStore
	queue     Enqueuer
	client    *Client

	sessMu       sync.Mutex
	seenSessions map[string]bool
	lastSession  string
}

// NewOrchestrator wires an Orchestrator. telemetry and queue may be nil.
func NewOrchestrator(manager *account.Manager, settings config.Settings, telemetry TelemetryStore, queue Enqueuer, httpClient *http.Client) *Orchestrator {
	client := NewClient(httpClient)
	client.codexHeaders = settings.CodexMode
	return &Orchestrator{
		manager:  manager,
		settings: settings,
		tracker: ratelimit.NewTracker(ratelimit.Config{
			DedupWindowMs:       settings.RateLimitDedupWindowMs,
			ResetWindowMs:       settings.RateLimitStateResetMs,
			DefaultRetryAfterMs: settings.DefaultRetryAfterMs,
			MaxBackoffMs:        settings.MaxBackoffMs,
			JitterMaxMs:         settings.RequestJitterMaxMs,
		}),
		telemetry:    telemetry,
		queue:        queue,
		client:       client,
		seenSessions: make(map[string]bool),
	}
}

// noteSession tracks the caller's session keys so the transition notices
// (new chat, session switch) fire once instead of on every request.
func (o *Orchestrator) noteSession(key string) (newChat, switched bool) {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()

	newChat = !o.seenSessions[key]
	o.seenSessions[key] = true
	switched = !newChat && key != o.lastSession
	o.lastSession = key
	return newChat, switched
}

// Execute runs one request to completion. On success the caller owns the
// response body (already wrapped to tap telemetry). Upstream non-auth
// errors come back as responses too; only transport-level failures and
// cancellation return an error.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) (*http.Response, error) {
	if o.manager.TotalAccounts() == 0 {
		return nil, fmt.Errorf("no accounts configured; run 'accounts add' first")
	}

	family := config.GetModelFamily(req.Model)

	if req.SessionKey != "" {
		newChat, switched := o.noteSession(req.SessionKey)
		if !o.settings.QuietMode {
			if newChat {
				utils.Info("[Dispatch] New session %s", req.SessionKey)
			} else if switched {
				utils.Info("[Dispatch] Resumed session %s", req.SessionKey)
			}
		}
	}

	// Hydrate identity on pre-identity records before dispatching; keys for
	// trackers and telemetry depend on it.
	o.manager.RepairLegacy(ctx)

	timeout := time.Duration(o.settings.RequestTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultRotationTimeout
	}
	deadline := time.Now().Add(timeout)
	allWaitRetries := 0
	networkRetries := 0
	serverRetries := 0
	refreshed := make(map[int]bool)
	bucketRefused := make(map[int]bool)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("request timed out during account rotation")
		}

		mg, ok := o.manager.CurrentOrNextForFamily(family, req.Model)
		if !ok {
			resp, retry, err := o.handleAllUnavailable(ctx, family, req.Model, &allWaitRetries)
			if err != nil {
				return nil, err
			}
			if retry {
				continue
			}
			return resp, nil
		}

		if mg.Switched {
			o.manager.MarkSwitched(mg.Index, family, "rotation")
			if req.SessionKey != "" && !o.settings.QuietMode {
				utils.Info("[Dispatch] Session %s moved to %s", req.SessionKey, mg.Display(mg.Index))
			}
		}

		mg, ok = o.freshen(ctx, mg, &networkRetries)
		if !ok {
			continue
		}

		consumed := false
		if o.settings.AccountSelectionStrategy == config.StrategyHybrid {
			if o.manager.ConsumeBucket(mg.Index) {
				consumed = true
			} else if !bucketRefused[mg.Index] {
				// Rotate once; the empty bucket drops this account out of
				// the next pick. A repeat refusal proceeds anyway since the
				// bucket is a soft signal, not a hard limit.
				bucketRefused[mg.Index] = true
				continue
			}
		}

		key := mg.Key(mg.Index)
		resp, err := o.client.Do(ctx, req.Path, req.Method, req.Header, req.Body, mg.Access, mg.AccountID)
		if err == nil {
			o.manager.MarkUsed(mg.Index, family)
			o.manager.RecordSuccess(mg.Index)
			for _, qk := range account.QuotaKeys(family, req.Model) {
				o.tracker.Reset(qk)
			}
			if o.telemetry != nil {
				o.telemetry.ApplyHeaders(key, resp.Header)
				resp.Body = newSSETap(resp.Body, o.telemetry, key)
			}
			return resp, nil
		}

		var rle *RateLimitError
		if errors.As(err, &rle) {
			if consumed {
				o.manager.RefundBucket(mg.Index)
			}
			if o.telemetry != nil && resp != nil {
				o.telemetry.ApplyHeaders(key, resp.Header)
			}
			if retryErr := o.handleRateLimit(ctx, mg, family, req.Model, rle); retryErr != nil {
				return nil, retryErr
			}
			continue
		}

		var hse *HTTPStatusError
		if errors.As(err, &hse) {
			switch {
			case hse.StatusCode == http.StatusUnauthorized || hse.StatusCode == http.StatusForbidden:
				if !refreshed[mg.Index] {
					refreshed[mg.Index] = true
					if _, rerr := o.manager.RefreshWithFallback(ctx, mg.Index); rerr == nil {
						utils.Info("[Dispatch] Retrying %s with refreshed token after %d", mg.Display(mg.Index), hse.StatusCode)
						continue
					}
				}
				o.manager.MarkCoolingDown(mg.Index, "auth-failure")
				continue

			case hse.StatusCode >= 500 && serverRetries < 1:
				serverRetries++
				o.manager.RecordFailure(mg.Index)
				utils.Warn("[Dispatch] Upstream %d from %s, trying another account", hse.StatusCode, mg.Display(mg.Index))
				continue

			default:
				// Client-caused errors and repeat 5xx pass through unchanged.
				if hse.StatusCode >= 500 {
					o.manager.RecordFailure(mg.Index)
				}
				return rebuildResponse(resp, hse.Body), nil
			}
		}

		// Transport failure.
		if consumed {
			o.manager.RefundBucket(mg.Index)
		}
		o.manager.RecordFailure(mg.Index)
		networkRetries++
		if networkRetries <= 2 {
			utils.Warn("[Dispatch] Network error, retrying: %v", err)
			if serr := utils.SleepWithContext(ctx, config.NetworkRetryDelay); serr != nil {
				return nil, serr
			}
			continue
		}
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
}

// freshen makes sure the account has a usable access token. A token inside
// the skew window is still used, with a background refresh queued so the
// next request gets a fresh one.
func (o *Orchestrator) freshen(ctx context.Context, mg account.Managed, networkRetries *int) (account.Managed, bool) {
	nowMs := time.Now().UnixMilli()

	if mg.Access != "" && mg.ExpiresAt > nowMs {
		if mg.ExpiresAt-nowMs <= o.settings.TokenRefreshSkewMs && o.queue != nil {
			o.queue.Enqueue(mg.Index)
		}
		return mg, true
	}

	fresh, err := o.manager.EnsureFresh(ctx, mg.Index)
	if err == nil {
		fresh.Switched = mg.Switched
		return fresh, true
	}

	if errors.Is(err, account.ErrRefreshFailed) {
		o.manager.MarkCoolingDown(mg.Index, "auth-failure")
		return mg, false
	}
	if ctx.Err() != nil {
		return mg, false
	}

	*networkRetries++
	utils.Warn("[Dispatch] Token refresh error for %s: %v", mg.Display(mg.Index), err)
	if *networkRetries > 2 {
		o.manager.MarkCoolingDown(mg.Index, "auth-failure")
		return mg, false
	}
	utils.SleepWithContext(ctx, config.NetworkRetryDelay)
	return mg, false
}

// handleRateLimit records the limit and either sleeps (wait) or returns so
// the loop rotates (switch). A non-nil error aborts the request.
func (o *Orchestrator) handleRateLimit(ctx context.Context, mg account.Managed, family, model string, rle *RateLimitError) error {
	obs := o.tracker.Observe(account.QuotaKeys(family, model)[0], rle.Reason, rle.RetryAfterMs)
	o.manager.MarkRateLimited(mg.Index, family, model, time.Now().UnixMilli()+obs.DelayMs)

	action := decide(o.settings, o.manager.AccountCount(), obs.Attempt, obs.DelayMs)
	utils.Warn("[Dispatch] %s rate limited (%s, attempt %d): %s for %s",
		mg.Display(mg.Index), rle.Reason, obs.Attempt, action, account.FormatWait(obs.DelayMs))

	if action == ActionWait {
		wait := time.Duration(obs.DelayMs)*time.Millisecond + config.PostRateLimitBuffer
		return utils.SleepWithContext(ctx, wait)
	}
	return nil
}

// handleAllUnavailable runs when no account is eligible. Depending on
// settings it sleeps out the shortest wait and retries, or synthesizes the
// 429 response.
func (o *Orchestrator) handleAllUnavailable(ctx context.Context, family, model string, allWaitRetries *int) (*http.Response, bool, error) {
	wait := o.manager.MinWaitMsForFamily(family, model)
	if wait < 0 {
		// Every account disabled.
		return o.synthesizeRateLimited(o.settings.DefaultRetryAfterMs, family, model), false, nil
	}

	if o.settings.RetryAllAccountsRateLimited &&
		*allWaitRetries < o.settings.RetryAllAccountsMaxRetries &&
		wait <= o.settings.RetryAllAccountsMaxWaitMs {
		*allWaitRetries++
		utils.Warn("[Dispatch] All accounts limited for %s, waiting %s (retry %d/%d)",
			family, account.FormatWait(wait), *allWaitRetries, o.settings.RetryAllAccountsMaxRetries)
		sleep := time.Duration(wait)*time.Millisecond + config.PostRateLimitBuffer
		if err := utils.SleepWithContext(ctx, sleep); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	return o.synthesizeRateLimited(wait, family, model), false, nil
}

// accountState is one pool entry in the synthesized 429 body.
type accountState struct {
	Account string   `json:"account"`
	Status  string   `json:"status"`
	Quota   []string `json:"quota,omitempty"`
}

// synthesizeRateLimited builds the proxy's own 429 response for when the
// whole pool is exhausted, listing every account's state so the caller can
// see which limit to wait out.
func (o *Orchestrator) synthesizeRateLimited(waitMs int64, family, model string) *http.Response {
	count := o.manager.AccountCount()
	msg := fmt.Sprintf("All %d account(s) unavailable. Next reset in approximately %s. Add another account or retry once the limit resets.",
		count, account.FormatWait(waitMs))

	body, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"message":  msg,
			"accounts": o.accountStates(family, model),
		},
	})

	header := make(http.Header)
	header.Set("Content-Type", "application/json; charset=utf-8")
	if waitMs > 0 {
		header.Set("Retry-After", strconv.FormatInt((waitMs+999)/1000, 10))
	}

	return &http.Response{
		Status:        "429 Too Many Requests",
		StatusCode:    http.StatusTooManyRequests,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// accountStates summarizes every pool account for the synthesized 429 body.
func (o *Orchestrator) accountStates(family, model string) []accountState {
	records := o.manager.Snapshot()
	nowMs := time.Now().UnixMilli()

	states := make([]accountState, 0, len(records))
	for i := range records {
		rec := &records[i]

		status := "ok"
		switch {
		case !rec.IsEnabled():
			status = "disabled"
		case !rec.Hydrated():
			status = "pending"
		case rec.CoolingDownUntil > nowMs:
			status = "cooldown"
		case account.ResetTimeFor(rec, family, model) > nowMs:
			status = "rate-limited"
		}

		st := accountState{Account: rec.Display(i), Status: status}
		if o.telemetry != nil {
			if snap, ok := o.telemetry.Get(rec.Key(i)); ok {
				st.Quota = quotaLines(snap, nowMs)
			}
		}
		states = append(states, st)
	}
	return states
}

// quotaLines renders a snapshot's windows and credits as short text lines.
func quotaLines(snap *telemetry.Snapshot, nowMs int64) []string {
	var lines []string
	for _, w := range []struct {
		name   string
		window *telemetry.Window
	}{{"primary", snap.Primary}, {"secondary", snap.Secondary}} {
		if w.window == nil {
			continue
		}
		line := fmt.Sprintf("%s %.0f%% used", w.name, w.window.UsedPercent)
		if w.window.ResetAt > nowMs {
			line += ", resets in " + account.FormatWait(w.window.ResetAt-nowMs)
		}
		lines = append(lines, line)
	}
	if c := snap.Credits; c != nil {
		switch {
		case c.Unlimited:
			lines = append(lines, "credits unlimited")
		case !c.HasCredits:
			lines = append(lines, "credits exhausted")
		default:
			lines = append(lines, fmt.Sprintf("credits %.2f", c.Balance))
		}
	}
	return lines
}

// rebuildResponse reattaches a body to a response whose original body was
// drained during error classification.
func rebuildResponse(resp *http.Response, body string) *http.Response {
	resp.Body = io.NopCloser(bytes.NewReader([]byte(body)))
	resp.ContentLength = int64(len(body))
	return resp
}
