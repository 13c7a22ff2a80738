package bundleservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codalab/worker-agent/pkg/log"
	"github.com/codalab/worker-agent/pkg/metrics"
	"github.com/codalab/worker-agent/pkg/types"
)

// HTTPClient is the production Client implementation, speaking long-poll
// HTTP+JSON to the bundle service.
type HTTPClient struct {
	baseURL  string
	workerID string
	http     *http.Client

	mu                    sync.Mutex
	lastCheckInSuccessful bool
}

// NewHTTPClient creates a client for the bundle service at baseURL.
// checkInTimeout bounds how long a single long-poll check-in may block;
// it should comfortably exceed the service's hold-open window.
func NewHTTPClient(baseURL, workerID string, checkInTimeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:               baseURL,
		workerID:              workerID,
		http:                  &http.Client{Timeout: checkInTimeout},
		lastCheckInSuccessful: true,
	}
}

func (c *HTTPClient) url(format string, args ...interface{}) string {
	return c.baseURL + fmt.Sprintf(format, args...)
}

func (c *HTTPClient) CheckIn(ctx context.Context, payload types.CheckInPayload) (*types.Message, error) {
	var msg types.Message

	err := retryTransient(ctx, func() error {
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		timer := metrics.NewTimer()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/workers/%s/checkin", c.workerID), bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		timer.ObserveDuration(metrics.CheckinDuration)
		if err != nil {
			return transient(err)
		}
		defer resp.Body.Close()

		if statusErr := classifyStatus(resp); statusErr != nil {
			return statusErr
		}

		msg = types.Message{}
		return json.NewDecoder(resp.Body).Decode(&msg)
	}, c.logCheckInResult)

	if err != nil {
		metrics.CheckinFailuresTotal.Inc()
		return nil, err
	}
	return &msg, nil
}

// logCheckInResult surfaces success-after-failure exactly once, so a
// flapping control plane doesn't flood the log.
func (c *HTTPClient) logCheckInResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if c.lastCheckInSuccessful {
			log.WithComponent("bundleservice").Warn().Err(err).Msg("check-in failed, retrying")
		}
		c.lastCheckInSuccessful = false
		return
	}

	if !c.lastCheckInSuccessful {
		log.WithComponent("bundleservice").Info().Msg("check-in succeeded after prior failures")
	}
	c.lastCheckInSuccessful = true
}

func (c *HTTPClient) Checkout(ctx context.Context) error {
	return retryTransient(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/workers/%s/checkout", c.workerID), nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return transient(err)
		}
		defer resp.Body.Close()
		return classifyStatus(resp)
	}, nil)
}

func (c *HTTPClient) GetBundleContents(ctx context.Context, parentUUID, subpath string) (io.ReadCloser, types.BundleKind, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/bundles/%s/contents?subpath=%s", parentUUID, subpath), nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", transient(err)
	}
	if statusErr := classifyStatus(resp); statusErr != nil {
		resp.Body.Close()
		return nil, "", statusErr
	}

	kind := types.BundleKindFile
	if resp.Header.Get("X-Bundle-Kind") == string(types.BundleKindDirectory) {
		kind = types.BundleKindDirectory
	}
	return resp.Body, kind, nil
}

func (c *HTTPClient) UpdateRunMetadata(ctx context.Context, runUUID string, update RunMetadataUpdate) error {
	return retryTransient(ctx, func() error {
		body, err := json.Marshal(update)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/runs/%s/metadata", runUUID), bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return transient(err)
		}
		defer resp.Body.Close()
		return classifyStatus(resp)
	}, nil)
}

func (c *HTTPClient) UploadRunOutput(ctx context.Context, runUUID, subpath string, r io.Reader) error {
	return retryTransient(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url("/runs/%s/output?subpath=%s", runUUID, subpath), r)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return transient(err)
		}
		defer resp.Body.Close()
		return classifyStatus(resp)
	}, nil)
}

func (c *HTTPClient) OpenReadSocket(ctx context.Context, socketID string) (io.ReadWriteCloser, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	wsURL := "ws" + c.baseURL[len("http"):] + fmt.Sprintf("/sockets/%s", socketID)

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, transient(err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return &wsReadWriteCloser{conn: conn}, nil
}

// GetCode retries on any failure, not just transient ones: by the time a
// code download starts the worker has already agreed to drain and cannot
// usefully revert, so even a 4xx or a malformed response is worth another
// attempt rather than an aborted upgrade. Only ctx cancellation stops it.
func (c *HTTPClient) GetCode(ctx context.Context) (io.ReadCloser, error) {
	for {
		body, err := c.getCodeOnce(ctx)
		if err == nil {
			return body, nil
		}
		log.WithComponent("bundleservice").Warn().Err(err).Msg("code download failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *HTTPClient) getCodeOnce(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/code"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if statusErr := classifyStatus(resp); statusErr != nil {
		resp.Body.Close()
		return nil, statusErr
	}
	return resp.Body, nil
}

// wsReadWriteCloser adapts a gorilla/websocket connection's message-framed
// protocol to io.ReadWriteCloser, buffering partial reads across frames.
type wsReadWriteCloser struct {
	conn *websocket.Conn

	mu  sync.Mutex
	buf []byte
}

func (w *wsReadWriteCloser) Read(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) == 0 {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		w.buf = data
	}

	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *wsReadWriteCloser) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsReadWriteCloser) Close() error {
	return w.conn.Close()
}
