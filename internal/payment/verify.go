package payment

import "crypto/hmac"

// Verifier checks inbound notification signatures.
type Verifier struct {
	Secret string
	Scheme InboundScheme
}

// Verify recomputes the expected signature and compares it with supplied in
// constant time. Any failure, including a missing secret, is a rejection.
func (v Verifier) Verify(nonce, orderID, status, supplied string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if supplied == "" {
		return false
	}
	expected, err := Sign(v.Secret, v.Scheme.Fields(nonce, orderID, status)...)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(supplied))
}
