// NRQL query client speaking the NerdGraph GraphQL envelope
// Fetches every ingested record carrying a correlation id in a single call
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/hashicorp/go-cleanhttp"
)

// APIKeyHeader carries the user API key on query requests.
const APIKeyHeader = "Api-Key"

// ResultsPath locates the NRQL result list in a NerdGraph response.
const ResultsPath = "data.actor.account.nrql.results"

// DefaultTimeout bounds a single query round trip.
const DefaultTimeout = 30 * time.Second

const maxResponseBody = 32 << 20

// Record is one result row with backend attribute names as keys.
type Record = map[string]any

// StatusError is a non-200 response from the query endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("query endpoint returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// GraphQLError is a 200 response whose body reports GraphQL errors.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "query failed: " + strings.Join(e.Messages, "; ")
}

// Config holds the query endpoint coordinates.
type Config struct {
	Endpoint  string
	APIKey    string
	AccountID int64
	IDKey     string
	Timeout   time.Duration
}

// Client issues NRQL queries. It is immutable after construction and safe
// for concurrent use.
type Client struct {
	http *http.Client
	cfg  Config
}

// New builds a Client over a pooled HTTP client. The client's timeout is the
// only bound on a query.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("query endpoint is required")
	}
	if cfg.IDKey == "" {
		return nil, fmt.Errorf("correlation id key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = cfg.Timeout
	return &Client{http: hc, cfg: cfg}, nil
}

// NRQL renders the statement selecting every record of dataType with id.
func NRQL(dataType, idKey, id string) string {
	return fmt.Sprintf("SELECT * FROM %s WHERE %s = '%s'", dataType, idKey, escapeNRQL(id))
}

// GraphQL wraps an NRQL statement in the NerdGraph account query.
func GraphQL(accountID int64, nrql string) string {
	return "{ actor { account(id: " + strconv.FormatInt(accountID, 10) + ") { nrql(query: " +
		strconv.Quote(nrql) + ") { results } } } }"
}

func escapeNRQL(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}

// Query returns the records of dataType carrying id. A non-200 status,
// an undecodable body, GraphQL errors or a missing results list are errors;
// an empty list means the backend has no matching records.
func (c *Client) Query(ctx context.Context, id, dataType string) ([]Record, error) {
	body, err := json.Marshal(map[string]string{
		"query": GraphQL(c.cfg.AccountID, NRQL(dataType, c.cfg.IDKey, id)),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", dataType, err)
	}
	defer resp.Body.Close() //nolint:errcheck // response fully read below

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading query response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	return parseResults(data)
}

func parseResults(data []byte) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	parsed, err := gabs.ParseJSONDecoder(dec)
	if err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}

	if errs, ok := parsed.Path("errors").Data().([]any); ok && len(errs) > 0 {
		gqlErr := &GraphQLError{}
		for _, e := range parsed.Path("errors").Children() {
			msg, _ := e.Path("message").Data().(string)
			gqlErr.Messages = append(gqlErr.Messages, msg)
		}
		return nil, gqlErr
	}

	results, ok := parsed.Path(ResultsPath).Data().([]any)
	if !ok {
		return nil, fmt.Errorf("query response has no %s list", ResultsPath)
	}
	records := make([]Record, 0, len(results))
	for i, r := range results {
		rec, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("query result %d is %T, not an object", i, r)
		}
		records = append(records, rec)
	}
	return records, nil
}
