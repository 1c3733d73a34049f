package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/castellan-io/castellan/pkg/catalog"
)

// modernJSON performs a modern-dialect request with an optional JSON body
// and decodes the JSON response. Empty response bodies yield an empty map.
func (c *Client) modernJSON(ctx context.Context, op, method, path string, query url.Values, body any) (map[string]any, error) {
	build := func() (*http.Request, error) {
		u := c.auth.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("encode body: %w", err)
			}
			reader = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}

	resp, err := c.transport.do(ctx, catalog.DialectModern, op, build)
	if err != nil {
		return nil, err
	}
	return decodeJSONResponse(op, catalog.DialectModern, resp)
}

// classicJSON performs a classic-dialect request without a body. The classic
// dialect serves JSON on reads when asked.
func (c *Client) classicJSON(ctx context.Context, op, method, path string) (map[string]any, error) {
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.auth.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	resp, err := c.transport.do(ctx, catalog.DialectClassic, op, build)
	if err != nil {
		return nil, err
	}
	return decodeJSONResponse(op, catalog.DialectClassic, resp)
}

// classicXML performs a classic-dialect write: the payload is encoded as XML
// under the given root element, and the created/updated id is parsed from
// the XML response.
func (c *Client) classicXML(ctx context.Context, op, method, path, root string, data map[string]any) (map[string]any, error) {
	payload := encodeXML(root, data)
	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.auth.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/xml")
		req.Header.Set("Accept", "application/xml")
		return req, nil
	}

	resp, err := c.transport.do(ctx, catalog.DialectClassic, op, build)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(op, catalog.DialectClassic, resp.StatusCode, raw)
	}

	out := map[string]any{"status": "ok"}
	if id := parseClassicID(raw); id != "" {
		out["id"] = id
	}
	return out, nil
}

func decodeJSONResponse(op string, dialect catalog.Dialect, resp *http.Response) (map[string]any, error) {
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &APIError{Operation: op, Dialect: dialect, Category: classifyNetErr(err), Message: err.Error(), Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(op, dialect, resp.StatusCode, raw)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{"status": "ok"}, nil
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &APIError{
			Operation: op, Dialect: dialect,
			Category: CategoryPermanent,
			Message:  "undecodable response: " + err.Error(), Cause: err,
		}
	}
	return out, nil
}

func statusError(op string, dialect catalog.Dialect, status int, body []byte) *APIError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{
		Operation: op,
		Dialect:   dialect,
		Status:    status,
		Category:  classifyStatus(status),
		Message:   msg,
	}
}

// encodeXML renders a JSON-shaped map as classic-dialect XML. Keys are
// emitted in sorted order so payloads are deterministic.
func encodeXML(root string, data map[string]any) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	writeXMLElement(&buf, root, data)
	return buf.Bytes()
}

func writeXMLElement(buf *bytes.Buffer, name string, value any) {
	buf.WriteString("<" + name + ">")
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeXMLElement(buf, k, v[k])
		}
	case []any:
		for _, item := range v {
			writeXMLElement(buf, "item", item)
		}
	default:
		_ = xml.EscapeText(buf, []byte(fmt.Sprintf("%v", v)))
	}
	buf.WriteString("</" + name + ">")
}

var classicIDPattern = regexp.MustCompile(`<id>(\d+)</id>`)

// parseClassicID extracts the resource id from a classic write response.
func parseClassicID(body []byte) string {
	m := classicIDPattern.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// --- normalisation -------------------------------------------------------

// Dialect-specific response shapes are normalised to one internal form per
// entity before being handed back to the proxy: a map with string "id" and
// "name" keys plus the dialect payload.

func normalizeModernList(m map[string]any) []any {
	results, ok := m["results"].([]any)
	if !ok {
		return []any{}
	}
	out := make([]any, 0, len(results))
	for _, r := range results {
		if item, ok := r.(map[string]any); ok {
			out = append(out, normalizeItem(item))
		} else {
			out = append(out, r)
		}
	}
	return out
}

func normalizeClassicList(m map[string]any, key string) []any {
	items, ok := m[key].([]any)
	if !ok {
		return []any{}
	}
	out := make([]any, 0, len(items))
	for _, r := range items {
		if item, ok := r.(map[string]any); ok {
			out = append(out, normalizeItem(item))
		} else {
			out = append(out, r)
		}
	}
	return out
}

// unwrapClassicItem peels the classic dialect's single-key wrapper, e.g.
// {"policy": {...}}.
func unwrapClassicItem(m map[string]any, key string) map[string]any {
	if inner, ok := m[key].(map[string]any); ok {
		return normalizeItem(inner)
	}
	return normalizeItem(m)
}

func normalizeItem(item map[string]any) map[string]any {
	out := make(map[string]any, len(item)+2)
	for k, v := range item {
		out[k] = v
	}
	if id, ok := item["id"]; ok {
		out["id"] = fmt.Sprintf("%v", id)
	}
	if _, ok := out["name"]; !ok {
		// Modern inventory nests the display name under general.
		if general, ok := item["general"].(map[string]any); ok {
			if name, ok := general["name"]; ok {
				out["name"] = name
			}
		}
	}
	return out
}

func itemName(v any) string {
	item, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	name, _ := item["name"].(string)
	return name
}
