package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/castellan-io/castellan/pkg/catalog"
)

// advancedSearchPrefix names the saved searches this adapter owns on the
// server. One per resource family, reused across runs.
const advancedSearchPrefix = "castellan-adhoc-"

// searchAttempts builds the three-step search ladder: server-side filtering
// on the modern dialect, list-then-filter on classic, then a saved advanced
// search as the last resort. listOp names the companion list operation so the
// classic step can reuse its cached bare listing.
func (c *Client) searchAttempts(op, listOp string, spec resourceSpec) []attempt {
	atts := []attempt{}

	if spec.modernPath != "" {
		atts = append(atts, attempt{
			dialect: catalog.DialectModern,
			run: func(ctx context.Context, args []any) (any, error) {
				query, err := argString(op, args, 0)
				if err != nil {
					return nil, err
				}
				q := url.Values{
					"page":      {"0"},
					"page-size": {"200"},
					"filter":    {fmt.Sprintf(`general.name=="*%s*"`, query)},
				}
				m, err := c.modernJSON(ctx, op, http.MethodGet, spec.modernPath, q, nil)
				if err != nil {
					return nil, err
				}
				return normalizeModernList(m), nil
			},
		})
	}

	atts = append(atts,
		attempt{
			dialect: catalog.DialectClassic,
			run: func(ctx context.Context, args []any) (any, error) {
				query, err := argString(op, args, 0)
				if err != nil {
					return nil, err
				}
				items, err := c.classicListing(ctx, op, listOp, spec)
				if err != nil {
					return nil, err
				}
				return filterByName(items, query), nil
			},
		},
	)

	if spec.advancedSearchPath != "" {
		atts = append(atts, attempt{
			dialect: catalog.DialectClassic,
			run: func(ctx context.Context, args []any) (any, error) {
				query, err := argString(op, args, 0)
				if err != nil {
					return nil, err
				}
				return c.advancedSearch(ctx, op, spec, query)
			},
		})
	}
	return atts
}

// classicListing fetches the classic bare listing, reusing the list
// operation's cache entry when it is warm.
func (c *Client) classicListing(ctx context.Context, op, listOp string, spec resourceSpec) ([]any, error) {
	key := cacheKey(listOp, nil)
	if v, ok := c.cache.get(key); ok {
		if items, ok := v.([]any); ok {
			return items, nil
		}
	}
	m, err := c.classicJSON(ctx, op, http.MethodGet, spec.classicPath)
	if err != nil {
		return nil, err
	}
	items := normalizeClassicList(m, spec.plural)
	c.cache.put(key, items)
	return items, nil
}

// advancedSearch runs the query through a server-side saved search: find or
// create the adapter-owned search for this resource family, point its
// criteria at the query, and read the results back.
func (c *Client) advancedSearch(ctx context.Context, op string, spec resourceSpec, query string) ([]any, error) {
	id, err := c.ensureAdvancedSearch(ctx, op, spec)
	if err != nil {
		return nil, err
	}

	criteria := map[string]any{
		"criteria": []any{
			map[string]any{
				"name":          "Display Name",
				"priority":      int64(0),
				"and_or":        "and",
				"search_type":   "like",
				"value":         query,
				"opening_paren": false,
				"closing_paren": false,
			},
		},
	}
	if _, err := c.classicXML(ctx, op, http.MethodPut,
		spec.advancedSearchPath+"/id/"+url.PathEscape(id), "advanced_"+spec.singular+"_search", criteria); err != nil {
		return nil, err
	}

	m, err := c.classicJSON(ctx, op, http.MethodGet, spec.advancedSearchPath+"/id/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	inner, ok := m["advanced_"+spec.singular+"_search"].(map[string]any)
	if !ok {
		inner = m
	}
	return normalizeClassicList(inner, spec.plural), nil
}

// ensureAdvancedSearch resolves the id of this resource family's saved
// search, creating it on first use. Ids are cached for the client lifetime.
func (c *Client) ensureAdvancedSearch(ctx context.Context, op string, spec resourceSpec) (string, error) {
	name := advancedSearchPrefix + spec.plural

	c.searchMu.Lock()
	defer c.searchMu.Unlock()
	if id, ok := c.searchIDs[name]; ok {
		return id, nil
	}

	listing, err := c.classicJSON(ctx, op, http.MethodGet, spec.advancedSearchPath)
	if err != nil {
		return "", err
	}
	if items, ok := listing[spec.advancedListKey].([]any); ok {
		for _, it := range items {
			entry, ok := it.(map[string]any)
			if !ok {
				continue
			}
			if entry["name"] == name {
				id := fmt.Sprintf("%v", entry["id"])
				c.searchIDs[name] = id
				return id, nil
			}
		}
	}

	created, err := c.classicXML(ctx, op, http.MethodPost,
		spec.advancedSearchPath+"/id/0", "advanced_"+spec.singular+"_search",
		map[string]any{"name": name, "criteria": []any{}})
	if err != nil {
		return "", err
	}
	id, _ := created["id"].(string)
	if id == "" {
		return "", &APIError{Operation: op, Dialect: catalog.DialectClassic,
			Category: CategoryPermanent, Message: "advanced search created without an id"}
	}
	c.searchIDs[name] = id
	return id, nil
}
