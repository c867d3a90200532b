package dataset

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"

	"nlp-backend/internal/codes"
)

// TypeChecker validates a stored target code against the current device
// catalog. approvedOnly restricts the check to the approved view of the
// catalog; it is used for examples from public, community-sourced
// provenance.
type TypeChecker interface {
	Check(ctx context.Context, language, targetCode string, approvedOnly bool) error
}

// SchemaSource answers whether a device function currently exists. The
// inference and training processes consult the device catalog through this
// interface rather than embedding catalog state.
type SchemaSource interface {
	HasFunction(ctx context.Context, language, device, function string, approvedOnly bool) (bool, error)
}

// CatalogTypeChecker first parses the code, then verifies every referenced
// function against the schema source. Either failure marks the code invalid.
type CatalogTypeChecker struct {
	Schemas SchemaSource
}

var _ TypeChecker = (*CatalogTypeChecker)(nil)

func (c *CatalogTypeChecker) Check(ctx context.Context, language, targetCode string, approvedOnly bool) error {
	code, err := codes.Parse(targetCode)
	if err != nil {
		return err
	}

	if c.Schemas == nil {
		return nil
	}

	for _, fn := range code.Functions() {
		ok, err := c.Schemas.HasFunction(ctx, language, fn[0], fn[1], approvedOnly)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no such function @%s.%s", fn[0], fn[1])
		}
	}
	return nil
}

// HTTPSchemaSource asks the device catalog service whether a function
// exists. 404 means the function is gone, every other failure is an error
// so a catalog outage never silently invalidates the whole dataset.
type HTTPSchemaSource struct {
	client *resty.Client
}

var _ SchemaSource = (*HTTPSchemaSource)(nil)

func NewHTTPSchemaSource(url string) *HTTPSchemaSource {
	return &HTTPSchemaSource{client: resty.New().SetBaseURL(url)}
}

func (s *HTTPSchemaSource) HasFunction(ctx context.Context, language, device, function string, approvedOnly bool) (bool, error) {
	res, err := s.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"language": language, "device": device, "function": function}).
		SetQueryParam("approved_only", fmt.Sprintf("%t", approvedOnly)).
		Get("/schemas/{language}/{device}/{function}")
	if err != nil {
		return false, fmt.Errorf("error querying device catalog: %w", err)
	}
	if res.StatusCode() == http.StatusNotFound {
		return false, nil
	}
	if !res.IsSuccess() {
		return false, fmt.Errorf("device catalog returned status %d", res.StatusCode())
	}
	return true, nil
}
