package webhook

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Topics accepted from Shopify's mandatory compliance webhooks.
const (
	TopicDataRequest = "customers/data_request"
	TopicRedact      = "customers/redact"
	TopicShopRedact  = "shop/redact"
)

const customerPayloadSchema = `{
  "type": "object",
  "required": ["shop_domain", "customer"],
  "properties": {
    "shop_id": {"type": "integer"},
    "shop_domain": {"type": "string", "minLength": 1},
    "customer": {
      "type": "object",
      "required": ["email"],
      "properties": {
        "id": {"type": "integer"},
        "email": {"type": "string", "minLength": 3},
        "phone": {"type": ["string", "null"]}
      }
    }
  }
}`

const shopPayloadSchema = `{
  "type": "object",
  "required": ["shop_domain"],
  "properties": {
    "shop_id": {"type": "integer"},
    "shop_domain": {"type": "string", "minLength": 1}
  }
}`

var topicSchemas = map[string]*jsonschema.Schema{
	TopicDataRequest: jsonschema.MustCompileString("customer_payload.json", customerPayloadSchema),
	TopicRedact:      jsonschema.MustCompileString("customer_payload.json", customerPayloadSchema),
	TopicShopRedact:  jsonschema.MustCompileString("shop_payload.json", shopPayloadSchema),
}

// ValidatePayload checks the decoded payload against the topic's schema.
func ValidatePayload(topic string, payload any) error {
	schema, ok := topicSchemas[topic]
	if !ok {
		return fmt.Errorf("unsupported topic %q", topic)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("payload rejected for %s: %w", topic, err)
	}
	return nil
}

// KnownTopic reports whether the topic is one we process.
func KnownTopic(topic string) bool {
	_, ok := topicSchemas[strings.TrimSpace(topic)]
	return ok
}
