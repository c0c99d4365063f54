package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Client talks to the streaming chat endpoint.
type Client struct {
	httpClient *http.Client
	apiKey     string
	BaseURL    string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(apiKey string, baseURL string, options ...Option) *Client {
	ret := &Client{
		httpClient: &http.Client{},
		apiKey:     apiKey,
		BaseURL:    baseURL,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
}

// StatusError is returned when the endpoint answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("chat endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("chat endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Stream is one in-flight response. Events is closed when the response
// ends; Wait then reports why.
type Stream struct {
	events <-chan events.Event
	g      *errgroup.Group
}

func (s *Stream) Events() <-chan events.Event {
	return s.events
}

// Wait blocks until the reader goroutine has exited and returns its error:
// nil for a clean end, the context error on cancellation, or the read error.
func (s *Stream) Wait() error {
	return s.g.Wait()
}

// Stream posts req and decodes the `data: <json>` frames of the response.
// Cancelling ctx aborts the request and ends the stream.
func (c *Client) Stream(ctx context.Context, req *Request) (*Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	log.Debug().
		Str("url", c.BaseURL).
		Str("mode", string(req.Mode)).
		Strs("models", req.Models).
		Int("history", len(req.History)).
		Msg("Starting chat stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}

	return NewStream(ctx, func(ctx context.Context, out chan<- events.Event) error {
		defer func(body io.ReadCloser) {
			_ = body.Close()
		}(resp.Body)
		return readFrames(ctx, resp.Body, out)
	}), nil
}

// NewStream runs produce in its own goroutine and exposes what it sends.
// The events channel is closed once produce returns.
func NewStream(ctx context.Context, produce func(ctx context.Context, out chan<- events.Event) error) *Stream {
	ch := make(chan events.Event)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ch)
		return produce(gctx, ch)
	})
	return &Stream{events: ch, g: g}
}

// readFrames forwards every decodable frame until `data: [DONE]`, EOF, a
// read error or cancellation. Frames that cannot be decoded are skipped.
func readFrames(ctx context.Context, r io.Reader, out chan<- events.Event) error {
	reader := bufio.NewReader(r)
	frames := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			payload, ok := framePayload(line)
			if ok {
				if string(payload) == events.DoneSentinel {
					log.Debug().Int("frames", frames).Msg("Chat stream finished")
					return nil
				}
				e, decodeErr := events.NewEventFromJson(payload)
				if decodeErr != nil {
					log.Debug().Err(decodeErr).Bytes("frame", payload).Msg("Skipping undecodable frame")
				} else {
					frames++
					select {
					case out <- e:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == io.EOF {
				log.Debug().Int("frames", frames).Msg("Chat stream closed")
				return nil
			}
			return errors.Wrap(err, "could not read chat stream")
		}
	}
}

// framePayload extracts the value of a `data:` line. Comments, `event:`
// lines and blank separators yield false.
func framePayload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 {
		return nil, false
	}
	return payload, true
}
