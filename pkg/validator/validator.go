// Package validator checks inbound webhook payloads against a JSON schema.
package validator

import (
	"bytes"
	_ "embed"
	"fmt"

	"conversion-pipeline/internal/conversion"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed payment_webhook.schema.json
var paymentWebhookSchema []byte

const paymentWebhookURL = "payment_webhook.schema.json"

type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewPaymentWebhook compiles the embedded payment webhook schema.
func NewPaymentWebhook() (*SchemaValidator, error) {
	return New(paymentWebhookURL, paymentWebhookSchema)
}

// New compiles a schema document. Format keywords are asserted.
func New(url string, schema []byte) (*SchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", url, err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", url, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return &SchemaValidator{schema: sch}, nil
}

// Validate checks raw JSON. Every failure wraps conversion.ErrInvalidPayload.
func (v *SchemaValidator) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", conversion.ErrInvalidPayload, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", conversion.ErrInvalidPayload, err)
	}
	return nil
}
