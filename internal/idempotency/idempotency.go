package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/itskum47/swarmctl/internal/store"
)

// Response is the cached HTTP response replayed for a repeated request
// carrying the same idempotency key.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers"`
}

// ttl is how long a cached response is replayed before the key expires,
// matching the teacher's 24h idempotency window.
const ttl = 24 * time.Hour

// Store wraps Coordinator's idempotency primitives to cache and replay
// whole HTTP responses keyed by the caller-supplied X-Idempotency-Key.
type Store struct {
	coordinator store.Coordinator
}

func NewStore(coordinator store.Coordinator) *Store {
	return &Store{coordinator: coordinator}
}

// Get returns the cached response for key, if any.
func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	val, found, err := s.coordinator.GetIdempotencyRecord(ctx, key)
	if err != nil {
		log.Printf("idempotency: error getting %s: %v", key, err)
		return Response{}, false
	}
	if !found {
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		log.Printf("idempotency: corrupt record for %s: %v", key, err)
		return Response{}, false
	}
	return resp, true
}

// Set stores resp under key if no record exists yet — first writer wins,
// matching spec §8's idempotence property for repeated completes.
func (s *Store) Set(ctx context.Context, key string, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("idempotency: marshal error for %s: %v", key, err)
		return
	}
	if _, err := s.coordinator.SetIdempotencyRecordNX(ctx, key, string(data), ttl); err != nil {
		log.Printf("idempotency: error setting %s: %v", key, err)
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// Middleware replays a cached response for X-Idempotency-Key if one
// exists, else records the response next produces before returning it.
func (s *Store) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := s.Get(r.Context(), key); found {
			for k, vals := range resp.Headers {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		s.Set(r.Context(), key, Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}
