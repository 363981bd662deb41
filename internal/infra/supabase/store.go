package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Store is the PostgREST remote store (implements port.RemoteStore).
type Store struct {
	client *Client
}

// NewStore creates a store over client.
func NewStore(client *Client) *Store {
	return &Store{client: client}
}

// Query fetches the rows matching spec. Reads are retried under the
// circuit breaker.
func (s *Store) Query(ctx context.Context, collection domain.Collection, spec domain.QuerySpec, dest any) error {
	ctx, span := tracer.Start(ctx, "Supabase.Query")
	defer span.End()
	span.SetAttributes(attribute.String("collection", string(collection)))
	defer s.observe(collection, "query", time.Now())

	body, err := s.client.read(ctx, request{
		method: http.MethodGet,
		api:    "rest",
		path:   string(collection) + "?" + encodeSpec(spec),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return s.client.translate("supabase/"+string(collection), err)
	}

	if len(body) == 0 {
		body = []byte("[]")
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("decode %s: %w", collection, err)
	}
	return nil
}

// Insert creates a row and returns its id.
func (s *Store) Insert(ctx context.Context, collection domain.Collection, row map[string]any) (string, error) {
	ctx, span := tracer.Start(ctx, "Supabase.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", string(collection)))
	defer s.observe(collection, "insert", time.Now())

	payload, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	body, err := s.client.write(ctx, request{
		method: http.MethodPost,
		api:    "rest",
		path:   string(collection),
		body:   payload,
		prefer: "return=representation",
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", s.client.translate("supabase/"+string(collection), err)
	}

	var created []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("decode created %s: %w", collection, err)
	}
	if len(created) == 0 {
		return "", fmt.Errorf("insert into %s returned no row", collection)
	}
	return created[0].ID, nil
}

// Update patches the owner's row. A row hidden by row-level security or
// missing altogether is reported as not found.
func (s *Store) Update(ctx context.Context, collection domain.Collection, owner, id string, patch map[string]any) error {
	ctx, span := tracer.Start(ctx, "Supabase.Update")
	defer span.End()
	span.SetAttributes(attribute.String("collection", string(collection)), attribute.String("id", id))
	defer s.observe(collection, "update", time.Now())

	payload, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	body, err := s.client.write(ctx, request{
		method: http.MethodPatch,
		api:    "rest",
		path:   rowPath(collection, owner, id),
		body:   payload,
		prefer: "return=representation",
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return s.client.translate("supabase/"+string(collection), err)
	}
	return affected(body, collection, id)
}

// Remove deletes the owner's row.
func (s *Store) Remove(ctx context.Context, collection domain.Collection, owner, id string) error {
	ctx, span := tracer.Start(ctx, "Supabase.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("collection", string(collection)), attribute.String("id", id))
	defer s.observe(collection, "remove", time.Now())

	body, err := s.client.write(ctx, request{
		method: http.MethodDelete,
		api:    "rest",
		path:   rowPath(collection, owner, id),
		prefer: "return=representation",
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return s.client.translate("supabase/"+string(collection), err)
	}
	return affected(body, collection, id)
}

func affected(body []byte, collection domain.Collection, id string) error {
	var rows []json.RawMessage
	if len(body) > 0 {
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode %s result: %w", collection, err)
		}
	}
	if len(rows) == 0 {
		return &domain.ErrNotFound{Resource: string(collection), ID: id}
	}
	return nil
}

func (s *Store) observe(collection domain.Collection, call string, start time.Time) {
	s.client.metrics.RecordRemoteCall(string(collection), call, time.Since(start))
}
