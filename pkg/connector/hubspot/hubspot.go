// Package hubspot is the CRM collaborator client. All calls go through the
// shared resilient request client; searches are exhaustively paginated via
// the cursor protocol.
package hubspot

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/revops-tools/kpisync/pkg/clients"
	"github.com/revops-tools/kpisync/pkg/kpierrors"
	"github.com/revops-tools/kpisync/pkg/metrics"
)

const defaultSearchLimit = 100

// DefaultDealProperties is the deal property set fetched for the
// spreadsheet staging job.
var DefaultDealProperties = []string{
	"dealname",
	"company_name",
	"amount",
	"icp_sync",
	"date_entered_upcoming_churn_sync",
	"cs_active_sync",
	"dealtype",
	"contract_start_date",
	"contract_end_date",
	"contract_length",
	"contract_renewal_date_deals",
	"client_cancellation_period_deals",
	"hs_is_closed_won",
	"hs_is_closed",
	"closedate",
	"dealstage",
	"pipeline",
	"lifecycle_stage",
	"deal_currency_code",
	"admin___ready_for_deletions___2506",
	"company_id",
	"hs_object_id",
	"hs_v2_date_entered_28032678",
}

// DefaultLineItemProperties is the line-item property set fetched for the
// spreadsheet staging job.
var DefaultLineItemProperties = []string{
	"name",
	"quantity",
	"discount",
	"recurringbillingfrequency",
	"hs_recurring_billing_period",
	"hs_recurring_billing_terms",
	"hs_billing_start_delay_type",
	"hs_recurring_billing_start_date",
	"hs_post_tax_amount",
	"hs_object_id",
}

// Object is a CRM record with its requested properties.
type Object struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

// Filter is a single property condition inside a filter group.
type Filter struct {
	PropertyName string   `json:"propertyName"`
	Operator     string   `json:"operator"`
	Value        string   `json:"value,omitempty"`
	Values       []string `json:"values,omitempty"`
}

// FilterGroup is an OR-combined set of AND-combined filters.
type FilterGroup struct {
	Filters []Filter `json:"filters"`
}

// Association links a source object to a target object id.
type Association struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type paging struct {
	Next *pagingNext `json:"next,omitempty"`
}

type pagingNext struct {
	After string `json:"after"`
}

type searchResponse struct {
	Results []Object `json:"results"`
	Paging  *paging  `json:"paging,omitempty"`
}

type associationsResponse struct {
	Results []Association `json:"results"`
}

// Config configures the CRM connector.
type Config struct {
	BaseURL     string
	AccessToken string
	SearchLimit int
}

// Connector talks to the CRM API.
type Connector struct {
	baseURL     string
	tokens      oauth2.TokenSource
	client      *clients.RequestClient
	logger      *zap.Logger
	searchLimit int
}

// New creates a CRM connector. The access token must be non-empty; this is
// checked here so misconfiguration fails before any network call.
func New(cfg Config, client *clients.RequestClient, logger *zap.Logger) (*Connector, error) {
	if cfg.AccessToken == "" {
		return nil, kpierrors.New(kpierrors.ErrorTypeConfig, "access token is required")
	}
	if cfg.BaseURL == "" {
		return nil, kpierrors.New(kpierrors.ErrorTypeConfig, "base URL is required")
	}

	limit := cfg.SearchLimit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	return &Connector{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		tokens:      oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken}),
		client:      client,
		logger:      logger.With(zap.String("connector", "hubspot")),
		searchLimit: limit,
	}, nil
}

// SearchObjects runs a paginated search against a CRM object type and
// returns every matching record. At least one filter group is required;
// an empty filter set would match the entire object store.
func (c *Connector) SearchObjects(ctx context.Context, objectType string, groups []FilterGroup, properties []string) ([]Object, error) {
	if len(groups) == 0 {
		return nil, kpierrors.New(kpierrors.ErrorTypeValidation, "at least one filter group is required")
	}

	results, err := clients.FetchAllPages(ctx, func(ctx context.Context, after string) (*clients.Page[Object], error) {
		payload := map[string]interface{}{
			"filterGroups": groups,
			"limit":        c.searchLimit,
		}
		if len(properties) > 0 {
			payload["properties"] = properties
		}
		if after != "" {
			payload["after"] = after
		}

		resp, err := c.client.Do(ctx, &clients.Request{
			Method: http.MethodPost,
			URL:    fmt.Sprintf("%s/crm/v3/objects/%s/search", c.baseURL, objectType),
			Header: c.authHeader(),
			Body:   payload,
		})
		if err != nil {
			return nil, err
		}
		if !resp.IsSuccess() {
			return nil, &clients.StatusError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
		}

		var decoded searchResponse
		if err := resp.Decode(&decoded); err != nil {
			return nil, err
		}

		page := &clients.Page[Object]{Items: decoded.Results}
		if decoded.Paging != nil && decoded.Paging.Next != nil {
			page.Next = decoded.Paging.Next.After
		}
		return page, nil
	})
	if err != nil {
		return results, kpierrors.Wrap(err, kpierrors.ErrorTypeConnection,
			fmt.Sprintf("search of %s aborted", objectType))
	}

	c.logger.Info("search complete",
		zap.String("object_type", objectType),
		zap.Int("results", len(results)))

	return results, nil
}

// SearchCompanies searches companies with equality filters.
func (c *Connector) SearchCompanies(ctx context.Context, filters map[string]string, properties []string) ([]Object, error) {
	if len(filters) == 0 {
		return nil, kpierrors.New(kpierrors.ErrorTypeValidation, "at least one search filter is required")
	}

	group := FilterGroup{Filters: make([]Filter, 0, len(filters))}
	for property, value := range filters {
		group.Filters = append(group.Filters, Filter{
			PropertyName: property,
			Operator:     "EQ",
			Value:        value,
		})
	}

	return c.SearchObjects(ctx, "companies", []FilterGroup{group}, properties)
}

// SearchDealsByStage returns all deals in the given pipeline stages with
// the default deal property set.
func (c *Connector) SearchDealsByStage(ctx context.Context, stageIDs []string) ([]Object, error) {
	if len(stageIDs) == 0 {
		return nil, kpierrors.New(kpierrors.ErrorTypeValidation, "at least one stage id is required")
	}

	groups := []FilterGroup{{
		Filters: []Filter{{
			PropertyName: "dealstage",
			Operator:     "IN",
			Values:       stageIDs,
		}},
	}}

	return c.SearchObjects(ctx, "deals", groups, DefaultDealProperties)
}

// UpdateProperties patches an object's properties. Repeating the call with
// the same input yields the same end state, so callers may retry whole
// runs safely.
func (c *Connector) UpdateProperties(ctx context.Context, objectType, objectID string, properties map[string]interface{}) error {
	if len(properties) == 0 {
		return kpierrors.New(kpierrors.ErrorTypeValidation, "properties must contain at least one field")
	}

	resp, err := c.client.Do(ctx, &clients.Request{
		Method: http.MethodPatch,
		URL:    fmt.Sprintf("%s/crm/v3/objects/%s/%s", c.baseURL, objectType, objectID),
		Header: c.authHeader(),
		Body:   map[string]interface{}{"properties": properties},
	})
	if err != nil {
		metrics.PropertyUpdates.WithLabelValues(objectType, "error").Inc()
		return err
	}

	if !resp.IsSuccess() {
		metrics.PropertyUpdates.WithLabelValues(objectType, "failure").Inc()
		return kpierrors.Newf(kpierrors.ErrorTypeWrite,
			"failed to update %s %s", objectType, objectID).
			WithDetail("status_code", resp.StatusCode).
			WithDetail("response", string(resp.Body))
	}

	metrics.PropertyUpdates.WithLabelValues(objectType, "success").Inc()
	c.logger.Info("object updated",
		zap.String("object_type", objectType),
		zap.String("object_id", objectID),
		zap.Int("properties", len(properties)))

	return nil
}

// UpsertContact creates or updates a contact identified by email.
func (c *Connector) UpsertContact(ctx context.Context, email string, properties map[string]interface{}) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return kpierrors.Newf(kpierrors.ErrorTypeValidation, "invalid email for contact upsert: %q", email)
	}

	payload := map[string]interface{}{
		"inputs": []map[string]interface{}{{
			"id":         email,
			"idProperty": "email",
			"properties": properties,
		}},
	}

	resp, err := c.client.Do(ctx, &clients.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/crm/v3/objects/contacts/batch/upsert",
		Header: c.authHeader(),
		Body:   payload,
	})
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return kpierrors.New(kpierrors.ErrorTypeWrite, "contact upsert failed").
			WithDetail("status_code", resp.StatusCode).
			WithDetail("response", string(resp.Body))
	}

	return nil
}

// Associations lists objects of toType associated with one object.
func (c *Connector) Associations(ctx context.Context, fromType, objectID, toType string) ([]Association, error) {
	resp, err := c.client.Do(ctx, &clients.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/crm/v3/objects/%s/%s/associations/%s", c.baseURL, fromType, objectID, toType),
		Header: c.authHeader(),
	})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, kpierrors.Newf(kpierrors.ErrorTypeConnection,
			"failed to retrieve associations %s %s -> %s", fromType, objectID, toType).
			WithDetail("status_code", resp.StatusCode).
			WithDetail("response", string(resp.Body))
	}

	var decoded associationsResponse
	if err := resp.Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded.Results, nil
}

// LineItem retrieves a single line item with the given properties, or the
// default line-item property set when none are requested.
func (c *Connector) LineItem(ctx context.Context, lineItemID string, properties []string) (*Object, error) {
	if len(properties) == 0 {
		properties = DefaultLineItemProperties
	}

	query := url.Values{}
	query.Set("properties", strings.Join(properties, ","))

	resp, err := c.client.Do(ctx, &clients.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/crm/v3/objects/line_items/%s", c.baseURL, lineItemID),
		Query:  query,
		Header: c.authHeader(),
	})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, kpierrors.Newf(kpierrors.ErrorTypeConnection,
			"failed to retrieve line item %s", lineItemID).
			WithDetail("status_code", resp.StatusCode).
			WithDetail("response", string(resp.Body))
	}

	var item Object
	if err := resp.Decode(&item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *Connector) authHeader() http.Header {
	header := http.Header{}
	token, err := c.tokens.Token()
	if err == nil {
		token.SetAuthHeader(&http.Request{Header: header})
	}
	return header
}
