package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	coreerrors "github.com/datacore/execution-core/infrastructure/errors"
	"github.com/datacore/execution-core/internal/domain"
	"github.com/datacore/execution-core/internal/value"
)

// RESTConfig describes how to reach a JSON HTTP API registered as a System.
// ListPath is expected to return a JSON array (optionally wrapped under
// CollectionField) and a next-page cursor under CursorField; WritePath
// accepts a JSON array body of records to persist.
type RESTConfig struct {
	SystemID        string
	BaseURL         string
	ListPath        string
	WritePath       string
	CollectionField string // dotted path into the list response, empty means root array
	CursorField     string // dotted path to the next-page cursor, empty means no pagination
	Headers         map[string]string
	Timeout         time.Duration
}

// RESTConnector is a generic Reader/Writer/SchemaDiscoverer over a JSON HTTP
// API, grounded on the teacher's outbound-HTTP call shape in its blockchain
// RPC clients (context-bound requests, explicit timeout, structured error
// wrapping) generalized to an arbitrary JSON collection endpoint. Uses only
// net/http since the example pack carries no third-party HTTP client.
type RESTConnector struct {
	cfg    RESTConfig
	client *http.Client
}

func NewRESTConnector(cfg RESTConfig) *RESTConnector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RESTConnector{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (c *RESTConnector) SystemID() string { return c.cfg.SystemID }

func (c *RESTConnector) Capabilities() map[string]bool {
	return map[string]bool{
		"read":  c.cfg.ListPath != "",
		"write": c.cfg.WritePath != "",
	}
}

// DiscoverSchema fetches one page of ListPath and infers a flat schema from
// the JSON types of the first record's fields — a best-effort introspection,
// not a substitute for an explicitly registered Schema.
func (c *RESTConnector) DiscoverSchema(ctx context.Context, name string) (domain.Schema, error) {
	body, err := c.doGet(ctx, c.cfg.ListPath, nil)
	if err != nil {
		return domain.Schema{}, coreerrors.ConnectorError(coreerrors.CodeConnIO, c.cfg.SystemID, err)
	}
	records := extractCollection(body, c.cfg.CollectionField)
	if len(records) == 0 {
		return domain.Schema{SystemID: c.cfg.SystemID, Name: name, Version: 1, Discovered: true}, nil
	}
	fields := inferFields(records[0])
	return domain.Schema{
		SystemID:   c.cfg.SystemID,
		Name:       name,
		Version:    1,
		Fields:     fields,
		Discovered: true,
	}, nil
}

// Read fetches one page of ListPath using cursor as the "cursor" query
// parameter (empty on the first call) and reports the next cursor from
// CursorField; done is true once the server returns no cursor.
func (c *RESTConnector) Read(ctx context.Context, schema domain.Schema, cursor string, batchSize int) ([]value.Value, string, bool, error) {
	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	params.Set("limit", fmt.Sprintf("%d", batchSize))

	body, err := c.doGet(ctx, c.cfg.ListPath, params)
	if err != nil {
		return nil, "", false, coreerrors.ConnectorError(coreerrors.CodeConnIO, c.cfg.SystemID, err)
	}

	raw := extractCollection(body, c.cfg.CollectionField)
	records := make([]value.Value, 0, len(raw))
	for _, r := range raw {
		var decoded any
		if err := json.Unmarshal([]byte(r.Raw), &decoded); err != nil {
			return nil, "", false, coreerrors.ConnectorError(coreerrors.CodeConnIO, c.cfg.SystemID, err)
		}
		records = append(records, value.FromGo(decoded))
	}

	next := ""
	if c.cfg.CursorField != "" {
		next = gjson.GetBytes(body, c.cfg.CursorField).String()
	}
	done := next == "" || len(records) == 0
	return records, next, done, nil
}

// Write POSTs records as a JSON array to WritePath.
func (c *RESTConnector) Write(ctx context.Context, schema domain.Schema, records []value.Value) error {
	payload := make([]any, len(records))
	for i, r := range records {
		payload[i] = value.ToGo(r)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return coreerrors.InternalErr("marshal write payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.WritePath, bytes.NewReader(body))
	if err != nil {
		return coreerrors.InternalErr("build write request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return coreerrors.ConnectorError(coreerrors.CodeConnIO, c.cfg.SystemID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return coreerrors.ConnectorError(coreerrors.CodeConnIO, c.cfg.SystemID, fmt.Errorf("write returned status %d", resp.StatusCode))
	}
	return nil
}

func (c *RESTConnector) doGet(ctx context.Context, path string, params url.Values) ([]byte, error) {
	full := c.cfg.BaseURL + path
	if len(params) > 0 {
		full += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("GET %s returned status %d", path, resp.StatusCode)
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func extractCollection(body []byte, field string) []gjson.Result {
	if field == "" {
		return gjson.ParseBytes(body).Array()
	}
	return gjson.GetBytes(body, field).Array()
}

func inferFields(rec gjson.Result) []domain.SchemaField {
	var fields []domain.SchemaField
	rec.ForEach(func(key, val gjson.Result) bool {
		fields = append(fields, domain.SchemaField{
			Path:     key.String(),
			Type:     inferType(val),
			Nullable: val.Type == gjson.Null,
		})
		return true
	})
	return fields
}

func inferType(val gjson.Result) domain.FieldType {
	return ToUniversal(jsonNativeKind(val))
}

func jsonNativeKind(val gjson.Result) string {
	switch val.Type {
	case gjson.String:
		return "string"
	case gjson.Number:
		return "number"
	case gjson.True, gjson.False:
		return "boolean"
	case gjson.Null:
		return "null"
	case gjson.JSON:
		if val.IsArray() {
			return "array"
		}
		return "object"
	default:
		return "null"
	}
}

// ToUniversal maps a REST connector's native JSON type name onto the
// Schema & Type Registry's universal taxonomy (spec 4.B). JSON has no
// distinct integer/float wire representation, so "number" widens to the
// registry's double rather than guessing at integer-ness from the payload.
func ToUniversal(native string) domain.FieldType {
	switch native {
	case "string":
		return domain.TypeString
	case "number":
		return domain.TypeDouble
	case "boolean":
		return domain.TypeBoolean
	case "array":
		return domain.TypeArray
	case "object":
		return domain.TypeObject
	default:
		return domain.TypeJSON
	}
}

// FromUniversal maps a universal FieldType back onto the REST connector's
// native JSON type name, used when building outbound write payloads whose
// target schema was declared in universal terms.
func FromUniversal(u domain.FieldType) string {
	switch domain.CategoryOf(u) {
	case domain.CategoryNumeric:
		return "number"
	case domain.CategoryBoolean:
		return "boolean"
	case domain.CategoryText, domain.CategoryDateTime:
		return "string"
	default:
		if u == domain.TypeArray {
			return "array"
		}
		return "object"
	}
}
