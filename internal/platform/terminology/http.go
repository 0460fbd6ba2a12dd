package terminology

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// HTTPStore asks a FHIR terminology server, using ConceptMap/$translate for
// translations and CodeSystem/$lookup for parents.
type HTTPStore struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewHTTPStore returns a store for the server at baseURL. Requests are retried
// on connection errors and 5xx responses.
func NewHTTPStore(baseURL string, timeout time.Duration, retries int, logger zerolog.Logger) *HTTPStore {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.Logger = leveledLogger{logger.With().Str("component", "terminology").Logger()}
	return &HTTPStore{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type parameters struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []parameter `json:"parameter"`
}

type parameter struct {
	Name         string       `json:"name"`
	ValueBoolean *bool        `json:"valueBoolean,omitempty"`
	ValueCode    string       `json:"valueCode,omitempty"`
	ValueString  string       `json:"valueString,omitempty"`
	ValueCoding  *codingValue `json:"valueCoding,omitempty"`
	Part         []parameter  `json:"part,omitempty"`
}

type codingValue struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

func (s *HTTPStore) Translate(ctx context.Context, fromSystem, code, toSystem string) (Concept, error) {
	q := url.Values{}
	q.Set("system", fromSystem)
	q.Set("code", code)
	q.Set("targetsystem", toSystem)

	var out parameters
	if err := s.get(ctx, "/ConceptMap/$translate", q, &out); err != nil {
		return Concept{}, fmt.Errorf("translate %s %s: %w", fromSystem, code, err)
	}
	for _, p := range out.Parameter {
		if p.Name == "result" && p.ValueBoolean != nil && !*p.ValueBoolean {
			break
		}
		if p.Name != "match" {
			continue
		}
		for _, part := range p.Part {
			if part.Name == "concept" && part.ValueCoding != nil && part.ValueCoding.Code != "" {
				return Concept{System: toSystem, Code: part.ValueCoding.Code, Display: part.ValueCoding.Display}, nil
			}
		}
	}
	return Concept{}, fmt.Errorf("translate %s %s: %w", fromSystem, code, ErrNotFound)
}

func (s *HTTPStore) Parents(ctx context.Context, system, code string) ([]string, error) {
	q := url.Values{}
	q.Set("system", system)
	q.Set("code", code)
	q.Set("property", "parent")

	var out parameters
	if err := s.get(ctx, "/CodeSystem/$lookup", q, &out); err != nil {
		return nil, fmt.Errorf("parents %s %s: %w", system, code, err)
	}
	var parents []string
	for _, p := range out.Parameter {
		if p.Name != "property" {
			continue
		}
		var isParent bool
		var value string
		for _, part := range p.Part {
			switch part.Name {
			case "code":
				isParent = part.ValueCode == "parent"
			case "value":
				value = part.ValueCode
			}
		}
		if isParent && value != "" {
			parents = append(parents, value)
		}
	}
	if len(parents) == 0 {
		return nil, fmt.Errorf("parents %s %s: %w", system, code, ErrNotFound)
	}
	return parents, nil
}

func (s *HTTPStore) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct{ log zerolog.Logger }

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warn().Fields(kv).Msg(msg) }
