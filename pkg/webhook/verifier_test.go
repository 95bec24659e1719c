package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyAcceptsLegitimateSignature(t *testing.T) {
	v := NewVerifier(map[string]string{"shopify": "secret1"})
	body := []byte(`{"shop_domain":"acme.myshopify.com"}`)

	assert.NoError(t, v.Verify("shopify", Sign("secret1", body), body))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := NewVerifier(map[string]string{"shopify": "secret1"})
	body := []byte(`{"shop_domain":"acme.myshopify.com"}`)

	err := v.Verify("shopify", Sign("other", body), body)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsMissingSignature(t *testing.T) {
	v := NewVerifier(map[string]string{"shopify": "secret1"})

	err := v.Verify("shopify", "", []byte("{}"))
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestVerifyRejectsUnknownSource(t *testing.T) {
	v := NewVerifier(map[string]string{"shopify": "secret1"})

	err := v.Verify("bigcommerce", Sign("secret1", []byte("{}")), []byte("{}"))
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	v := NewVerifier(map[string]string{"shopify": "secret1"})
	body := []byte(`{"shop_domain":"acme.myshopify.com","customer":{"email":"a@b.co"}}`)
	sig := Sign("secret1", body)

	tampered := make([]byte, len(body))
	copy(tampered, body)
	tampered[20] ^= 0x01

	assert.NoError(t, v.Verify("shopify", sig, body))
	assert.ErrorIs(t, v.Verify("shopify", sig, tampered), ErrBadSignature)
}
