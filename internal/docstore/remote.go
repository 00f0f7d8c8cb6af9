package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaysync/internal/httpretry"
)

const listenReadLimit = 4 << 20

// WriteRequest is the body of document PUT and PATCH requests.
type WriteRequest struct {
	Fields map[string]any `json:"fields"`
	Merge  bool           `json:"merge,omitempty"`
}

type AddResponse struct {
	ID string `json:"id"`
}

type QueryResponse struct {
	Documents []Document `json:"documents"`
}

// ListenRequest is the first frame a client sends on a listen socket.
type ListenRequest struct {
	Query                  Query `json:"query"`
	IncludeMetadataChanges bool  `json:"includeMetadataChanges,omitempty"`
}

// ListenFrame is sent by the server for every snapshot or terminal error.
type ListenFrame struct {
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// RemoteStore talks to a hosted document store over HTTP and listens for
// changes over a websocket. Every document it returns is server-confirmed;
// wrap it in a CachedStore for offline reads and writes.
type RemoteStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	policy     httpretry.Policy
	logger     *slog.Logger
}

func NewRemoteStore(baseURL, token string, httpClient *http.Client) *RemoteStore {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &RemoteStore{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		policy:     httpretry.DefaultPolicy(),
		logger:     slog.Default().With("component", "docstore.remote"),
	}
}

func (r *RemoteStore) Get(ctx context.Context, path string) (Document, error) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := r.doJSON(ctx, http.MethodGet, docURLPath(collection, id), nil, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (r *RemoteStore) Set(ctx context.Context, path string, fields map[string]any, merge bool) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	return r.doJSON(ctx, http.MethodPut, docURLPath(collection, id), WriteRequest{Fields: fields, Merge: merge}, nil)
}

func (r *RemoteStore) Update(ctx context.Context, path string, fields map[string]any) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	return r.doJSON(ctx, http.MethodPatch, docURLPath(collection, id), WriteRequest{Fields: fields}, nil)
}

func (r *RemoteStore) Delete(ctx context.Context, path string) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	return r.doJSON(ctx, http.MethodDelete, docURLPath(collection, id), nil, nil)
}

func (r *RemoteStore) Add(ctx context.Context, collection string, fields map[string]any) (string, error) {
	if err := (Query{Collection: collection}).Validate(); err != nil {
		return "", err
	}
	var out AddResponse
	if err := r.doJSON(ctx, http.MethodPost, "/v1/docs/"+url.PathEscape(collection), WriteRequest{Fields: fields}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (r *RemoteStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	var out QueryResponse
	if err := r.doJSON(ctx, http.MethodPost, "/v1/query", q, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

func (r *RemoteStore) Subscribe(q Query, opts SubscribeOptions, obs Observer) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())
	go r.listen(ctx, q, opts, obs)
	var once sync.Once
	return func() { once.Do(stop) }
}

func (r *RemoteStore) listen(ctx context.Context, q Query, opts SubscribeOptions, obs Observer) {
	fail := func(err error) {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("listen ended", "collection", q.Collection, "error", err)
		if obs.Error != nil {
			obs.Error(err)
		}
	}
	if err := q.Validate(); err != nil {
		fail(err)
		return
	}
	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}
	conn, _, err := websocket.Dial(ctx, listenURL(r.baseURL), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		fail(fmt.Errorf("%w: listen: %v", ErrUnavailable, err))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	conn.SetReadLimit(listenReadLimit)

	if err := wsjson.Write(ctx, conn, ListenRequest{Query: q, IncludeMetadataChanges: opts.IncludeMetadataChanges}); err != nil {
		fail(fmt.Errorf("%w: listen: %v", ErrUnavailable, err))
		return
	}
	for {
		var frame ListenFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			fail(fmt.Errorf("%w: listen: %v", ErrUnavailable, err))
			return
		}
		if frame.Error != "" {
			fail(errors.New(frame.Error))
			return
		}
		if frame.Snapshot != nil && ctx.Err() == nil && obs.Next != nil {
			obs.Next(*frame.Snapshot)
		}
	}
}

func (r *RemoteStore) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if r.token != "" {
			req.Header.Set("Authorization", "Bearer "+r.token)
		}
		req.Header.Set("X-Correlation-Id", fmt.Sprintf("sync_%d", time.Now().UnixNano()))
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < r.policy.MaxRetries {
				if waitErr := httpretry.Wait(ctx, r.policy.Delay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		if httpretry.Retryable(resp.StatusCode) && attempt < r.policy.MaxRetries {
			if waitErr := httpretry.Wait(ctx, r.policy.Delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		httpErr := &httpretry.HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, httpErr)
		case resp.StatusCode == http.StatusBadRequest:
			return fmt.Errorf("%w: %w", ErrInvalidInput, httpErr)
		case httpretry.Retryable(resp.StatusCode):
			return fmt.Errorf("%w: %w", ErrUnavailable, httpErr)
		}
		return httpErr
	}
}

func docURLPath(collection, id string) string {
	return "/v1/docs/" + url.PathEscape(collection) + "/" + url.PathEscape(id)
}

func listenURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/v1/listen"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/v1/listen"
	}
	return baseURL + "/v1/listen"
}
