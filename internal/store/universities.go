// internal/store/universities.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"apptrack-sync/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

type UniversityStore struct {
	db      *sql.DB
	es      *elasticsearch.Client
	esIndex string
}

// EnableFuzzySearch attaches an Elasticsearch client for fuzzy name
// resolution. Without it, Resolve falls back to exact-name lookup.
func (s *UniversityStore) EnableFuzzySearch(es *elasticsearch.Client, index string) {
	s.es = es
	s.esIndex = index
}

func (s *UniversityStore) GetByID(ctx context.Context, id string) (*models.University, error) {
	var u models.University
	var country, state sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, country, state FROM universities WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &country, &state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get university: %w", err)
	}
	u.Country = country.String
	u.State = state.String
	return &u, nil
}

func (s *UniversityStore) GetByName(ctx context.Context, name string) (*models.University, error) {
	var u models.University
	var country, state sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, country, state FROM universities WHERE LOWER(name) = LOWER($1)`, name).
		Scan(&u.ID, &u.Name, &country, &state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get university by name: %w", err)
	}
	u.Country = country.String
	u.State = state.String
	return &u, nil
}

// Resolve finds a university by id, then by exact name, then by fuzzy name
// match when Elasticsearch is configured. Returns ErrNotFound when nothing
// matches.
func (s *UniversityStore) Resolve(ctx context.Context, id, name string) (*models.University, error) {
	if id != "" {
		if u, err := s.GetByID(ctx, id); err == nil {
			return u, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if name == "" {
		return nil, ErrNotFound
	}

	if u, err := s.GetByName(ctx, name); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if s.es == nil {
		return nil, ErrNotFound
	}
	return s.searchFuzzy(ctx, name)
}

func (s *UniversityStore) searchFuzzy(ctx context.Context, name string) (*models.University, error) {
	queryBody := map[string]interface{}{
		"query": map[string]interface{}{
			"match": map[string]interface{}{
				"name": map[string]interface{}{
					"query":     name,
					"fuzziness": "AUTO",
					"operator":  "and",
				},
			},
		},
	}

	body, _ := json.Marshal(queryBody)
	size := 1

	req := esapi.SearchRequest{
		Index: []string{s.esIndex},
		Body:  strings.NewReader(string(body)),
		Size:  &size,
	}

	res, err := req.Do(ctx, s.es)
	if err != nil {
		return nil, fmt.Errorf("university fuzzy search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("university fuzzy search returned %s", res.Status())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID     string            `json:"_id"`
				Source models.University `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode fuzzy search response: %w", err)
	}

	if len(parsed.Hits.Hits) == 0 {
		return nil, ErrNotFound
	}

	hit := parsed.Hits.Hits[0]
	u := hit.Source
	if u.ID == "" {
		u.ID = hit.ID
	}
	return &u, nil
}
