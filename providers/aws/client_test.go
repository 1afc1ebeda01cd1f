package aws

import (
	"errors"
	"testing"

	"media-orchestrator/providers"
)

type fakeAPIError struct {
	code string
}

func (e *fakeAPIError) Error() string     { return e.code }
func (e *fakeAPIError) ErrorCode() string { return e.code }

func TestParseOnDemandUSD(t *testing.T) {
	doc := `{
		"product": {"productFamily": "Compute Instance"},
		"terms": {
			"OnDemand": {
				"ABC123.JRTCKXETXF": {
					"priceDimensions": {
						"ABC123.JRTCKXETXF.6YS6EN2CT7": {
							"unit": "Hrs",
							"pricePerUnit": {"USD": "1.0060000000"}
						}
					}
				}
			}
		}
	}`
	usd, ok := parseOnDemandUSD(doc)
	if !ok {
		t.Fatalf("expected a rate from valid document")
	}
	if usd != 1.006 {
		t.Errorf("rate = %v, want 1.006", usd)
	}
}

func TestParseOnDemandUSDRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"malformed json": `{"terms": {`,
		"no terms":       `{"product": {}}`,
		"zero rate":      `{"terms": {"OnDemand": {"k": {"priceDimensions": {"d": {"pricePerUnit": {"USD": "0"}}}}}}}`,
		"non-numeric":    `{"terms": {"OnDemand": {"k": {"priceDimensions": {"d": {"pricePerUnit": {"USD": "n/a"}}}}}}}`,
	}
	for name, doc := range cases {
		if _, ok := parseOnDemandUSD(doc); ok {
			t.Errorf("%s: expected no rate", name)
		}
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"InsufficientInstanceCapacity", providers.ErrCapacityUnavailable},
		{"SpotMaxPriceTooLow", providers.ErrCapacityUnavailable},
		{"RequestLimitExceeded", providers.ErrProviderUnreachable},
		{"UnauthorizedOperation", providers.ErrProvisionRejected},
		{"SomethingNovel", providers.ErrQuoteUnavailable},
	}
	for _, tc := range cases {
		got := classifyError(&fakeAPIError{code: tc.code}, providers.ErrQuoteUnavailable)
		if !errors.Is(got, tc.want) {
			t.Errorf("code %s classified as %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(&fakeAPIError{code: "InvalidInstanceID.NotFound"}) {
		t.Errorf("NotFound code should be treated as already gone")
	}
	if isNotFound(&fakeAPIError{code: "RequestLimitExceeded"}) {
		t.Errorf("throttle code must not be treated as gone")
	}
	if isNotFound(errors.New("plain")) {
		t.Errorf("non-api error must not be treated as gone")
	}
}
