package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/tidwall/gjson"
)

const (
	readBufferSize      = 4096
	maxErrorBodyBytes   = 64 << 10
	defaultErrorMessage = "request failed"
)

// ByteStreamSource opens the byte stream to consume. Implementations return
// *RequestFailed when the server rejects the request before streaming.
type ByteStreamSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Consume reads src to completion, feeding an Assembler and forwarding each
// increment to onUpdate. It returns the accumulated text, which stays valid
// even when an error is returned. Cancelling ctx closes the reader and
// suppresses any further increments.
func Consume(ctx context.Context, src ByteStreamSource, onUpdate func(Increment)) (string, error) {
	body, err := src.Open(ctx)
	if err != nil {
		return "", err
	}

	closeBody := sync.OnceFunc(func() { _ = body.Close() })
	defer closeBody()
	stop := context.AfterFunc(ctx, closeBody)
	defer stop()

	a := NewAssembler(func(inc Increment) {
		if ctx.Err() != nil || onUpdate == nil {
			return
		}
		onUpdate(inc)
	})

	buf := make([]byte, readBufferSize)
	for {
		n, readErr := body.Read(buf)
		if ctx.Err() != nil {
			return a.Text(), ctx.Err()
		}

		if n > 0 {
			done, err := a.Ingest(buf[:n])
			if err != nil {
				return a.Text(), err
			}
			if done {
				break
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return a.Text(), &StreamReadError{Err: readErr}
		}
	}

	a.Finish()
	return a.Text(), nil
}

// HTTPSource streams the response of an HTTP request. A non-nil Body is
// JSON-encoded and sent with POST; otherwise GET is used.
type HTTPSource struct {
	Client *http.Client
	URL    string
	Body   any
	Header http.Header
}

func (s *HTTPSource) Open(ctx context.Context) (io.ReadCloser, error) {
	method := http.MethodGet
	var reqBody io.Reader
	if s.Body != nil {
		payload, err := json.Marshal(s.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		method = http.MethodPost
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.URL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range s.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &StreamReadError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &RequestFailed{Status: resp.StatusCode, Message: errorMessage(data)}
	}

	return resp.Body, nil
}

// errorMessage pulls a message out of a JSON error body, accepting both
// {"error": "..."} and {"error": {"message": "..."}}.
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return defaultErrorMessage
	}
	errField := gjson.GetBytes(body, "error")
	if errField.Type == gjson.String && errField.Str != "" {
		return errField.Str
	}
	if msg := errField.Get("message"); msg.Type == gjson.String && msg.Str != "" {
		return msg.Str
	}
	return defaultErrorMessage
}
