package mega

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	mrand "math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// The command pipeline coalesces API commands into positional batches
// on the /cs endpoint. Submitting a command parks the caller on a
// completion slot; a single-shot timer armed at the first enqueue (or
// the queue reaching its cap) drains everything queued into one HTTP
// call. At most one batch is in flight; requests arriving meanwhile
// open the window for the next one.

const (
	batchWindow  = 350 * time.Millisecond
	maxBatchSize = 50
)

type apiResult struct {
	raw json.RawMessage
	err error
}

// apiSlot is one queued command and the channel its submitter waits on.
type apiSlot struct {
	body json.RawMessage
	done chan apiResult
}

type pipeline struct {
	m *Mega

	mu       sync.Mutex
	queue    []*apiSlot
	timer    *time.Timer
	fired    bool
	inflight bool
}

func newPipeline(m *Mega) *pipeline {
	return &pipeline{m: m}
}

// Send queues one command and blocks until its slot completes. The raw
// positional result is returned undecoded; per-slot API errors come
// back as errors.
func (p *pipeline) Send(cmd interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	slot := &apiSlot{body: body, done: make(chan apiResult, 1)}

	p.mu.Lock()
	p.queue = append(p.queue, slot)
	if len(p.queue) >= maxBatchSize {
		p.fired = true
		p.maybeDispatchLocked()
	} else if p.timer == nil && !p.fired {
		p.timer = time.AfterFunc(batchWindow, p.windowExpired)
	}
	p.mu.Unlock()

	res := <-slot.done

	return res.raw, res.err
}

// SendImmediate bypasses the queue entirely: the command goes out as a
// one-element batch on the caller's goroutine. Login-family commands
// and hashcash solutions use this to keep authentication ordered ahead
// of queued traffic.
func (p *pipeline) SendImmediate(cmd interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	results, err := p.roundTrip([]json.RawMessage{body})
	if err != nil {
		return nil, err
	}

	return results[0].raw, results[0].err
}

func (p *pipeline) windowExpired() {
	p.mu.Lock()
	p.timer = nil
	if len(p.queue) > 0 {
		p.fired = true
		p.maybeDispatchLocked()
	}
	p.mu.Unlock()
}

// maybeDispatchLocked launches the queued batch if the window has
// elapsed and nothing is in flight. Callers hold p.mu.
func (p *pipeline) maybeDispatchLocked() {
	if p.inflight || !p.fired || len(p.queue) == 0 {
		return
	}

	batch := p.queue
	p.queue = nil
	p.fired = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.inflight = true

	go func() {
		p.dispatch(batch)
		p.mu.Lock()
		p.inflight = false
		p.maybeDispatchLocked()
		p.mu.Unlock()
	}()
}

func (p *pipeline) dispatch(batch []*apiSlot) {
	bodies := make([]json.RawMessage, len(batch))
	for i, s := range batch {
		bodies[i] = s.body
	}

	results, err := p.roundTrip(bodies)
	if err != nil {
		for _, s := range batch {
			s.done <- apiResult{err: err}
		}
		return
	}

	// Responses align positionally with the request array. Slots
	// complete in submission order.
	for i, s := range batch {
		s.done <- results[i]
	}
}

// roundTrip performs one batch HTTP exchange including hashcash
// resolution and batch-level retries. It returns one result per
// request, or an error that applies to the whole batch.
func (p *pipeline) roundTrip(bodies []json.RawMessage) ([]apiResult, error) {
	m := p.m
	req, err := json.Marshal(bodies)
	if err != nil {
		return nil, err
	}

	var hashcash string
	var lastErr error
	challenges := 0

	for attempt := 0; attempt <= m.retryMax; attempt++ {
		if attempt > 0 {
			sleepWithJitter(m.retryDelay(attempt - 1))
		}

		raw, challenge, err := p.post(req, hashcash)
		if challenge != "" {
			// Solving is CPU work, not a transport failure; the
			// resubmission does not consume a retry.
			if challenges++; challenges > 3 {
				return nil, fmt.Errorf("%w: challenge repeated after solution", EHASHCASH)
			}
			c, perr := parseHashcash(challenge)
			if perr != nil {
				return nil, perr
			}
			m.debugf("solving hashcash challenge (easiness %d)", c.easiness)
			hashcash, perr = c.solve()
			if perr != nil {
				return nil, perr
			}
			attempt--
			continue
		}
		if err != nil {
			lastErr = err
			if retryable(err) || isTransport(err) {
				m.debugf("batch attempt %d/%d failed: %v", attempt+1, m.retryMax+1, err)
				continue
			}
			return nil, err
		}

		return parseBatchResponse(raw, len(bodies))
	}

	if lastErr == nil {
		lastErr = EAGAIN
	}

	return nil, fmt.Errorf("batch failed after %d attempts: %w", m.retryMax+1, lastErr)
}

// post performs the HTTP exchange. A pending hashcash challenge header
// is returned instead of a body; batch-wide numeric rejections are
// returned as errors.
func (p *pipeline) post(body []byte, hashcash string) ([]byte, string, error) {
	m := p.m

	u := fmt.Sprintf("%s/cs", m.gateway())
	q := url.Values{}
	q.Set("id", fmt.Sprintf("%d", m.nextSeq()))
	if sid := m.sessionID(); sid != "" {
		q.Set("sid", sid)
	}
	u = u + "?" + q.Encode()

	req, err := http.NewRequest("POST", u, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", m.userAgentString())
	for k, v := range m.extraHeaders() {
		req.Header.Set(k, v)
	}
	if hashcash != "" {
		req.Header.Set("X-MEGA-Hashcash", hashcash)
	}

	resp, err := m.httpClient().Do(req)
	if err != nil {
		return nil, "", transportError{err}
	}
	defer resp.Body.Close()

	if challenge := resp.Header.Get("X-Hashcash"); challenge != "" {
		io.Copy(io.Discard, resp.Body)
		return nil, challenge, nil
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", transportError{err}
	}

	if resp.StatusCode != 200 {
		// The gateway reports batch rejections as numeric bodies even
		// on non-200 statuses.
		var code ErrorMsg
		if json.Unmarshal(bytes.TrimSpace(buf), &code) == nil && code < 0 {
			return nil, "", parseError(code)
		}
		return nil, "", transportError{fmt.Errorf("http status %s", resp.Status)}
	}

	trimmed := bytes.TrimSpace(buf)
	var code ErrorMsg
	if json.Unmarshal(trimmed, &code) == nil && code < 0 {
		return nil, "", parseError(code)
	}

	return trimmed, "", nil
}

// parseBatchResponse splits the positional response array into one
// result per slot. Per-slot negative integers become that slot's error
// without affecting its siblings.
func parseBatchResponse(raw []byte, n int) ([]apiResult, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("%w: %v", EBADRESP, err)
	}
	if len(elems) != n {
		return nil, fmt.Errorf("%w: %d results for %d requests", EBADRESP, len(elems), n)
	}

	results := make([]apiResult, n)
	for i, e := range elems {
		var code ErrorMsg
		if json.Unmarshal(e, &code) == nil && code < 0 {
			results[i] = apiResult{err: parseError(code)}
		} else {
			results[i] = apiResult{raw: e}
		}
	}

	return results, nil
}

// transportError marks network-level failures as retryable without
// collapsing them into the API error set.
type transportError struct {
	err error
}

func (e transportError) Error() string { return e.err.Error() }
func (e transportError) Unwrap() error { return e.err }

func isTransport(err error) bool {
	for err != nil {
		if _, ok := err.(transportError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func sleepWithJitter(d time.Duration) {
	if d <= 0 {
		return
	}
	jittered := d/2 + time.Duration(mrand.Int63n(int64(d/2)+1))
	time.Sleep(jittered)
}
