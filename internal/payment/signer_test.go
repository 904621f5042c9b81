package payment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/anticca-payments/internal/common"
)

const testSecret = "s3cret"

func TestSignGoldenVectors(t *testing.T) {
	cases := []struct {
		name   string
		fields []string
		want   string
	}{
		{"outbound", OutboundFields("123456", "ORD1", "150.00", CurrencyTRY), "LJbY+pTqo+yzDjSu0at5hc6dAhhypM1Nv9MtwnQfJCI="},
		{"inbound order", SchemeOrder.Fields("123456", "ORD1", "success"), "nHWuMa5Mx4caA0eNyMwSjq2ZAW6CYc2IKX1+BY0m9as="},
		{"inbound order status success", SchemeOrderStatus.Fields("123456", "ORD1", "success"), "AP0exPcntqRM1bEAM664zcTosiuE55mGrILx0irkUDA="},
		{"inbound order status failed", SchemeOrderStatus.Fields("123456", "ORD1", "failed"), "Jh0wcN485qtWTsQ8ybla8IK/cmVS+2opDy5EF1DyGk8="},
		{"other order", SchemeOrder.Fields("998877", "ORD2", ""), "KO1VnxCjOVkTGOiavUXAnJH/anQ1EY0poB70ro/vI+M="},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Sign(testSecret, tc.fields...)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestSignConcatenatesWithoutSeparators(t *testing.T) {
	joined, err := Sign(testSecret, "123456ORD1150.000")
	require.NoError(t, err)
	split, err := Sign(testSecret, "123456", "ORD1", "150.00", "0")
	require.NoError(t, err)
	require.Equal(t, joined, split)
}

func TestSignRequiresSecret(t *testing.T) {
	_, err := Sign("", "a")
	if !errors.Is(err, common.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSignDistinctInputsDiffer(t *testing.T) {
	inputs := [][]string{
		{"123456", "ORD1"},
		{"123456", "ORD1", "success"},
		{"123456", "ORD1", "failed"},
		{"123457", "ORD1"},
		{"123456", "ORD2"},
	}
	seen := map[string]bool{}
	for _, in := range inputs {
		sig, err := Sign(testSecret, in...)
		require.NoError(t, err)
		require.False(t, seen[sig], "collision for %v", in)
		seen[sig] = true
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	for _, scheme := range []InboundScheme{SchemeOrder, SchemeOrderStatus} {
		v := Verifier{Secret: testSecret, Scheme: scheme}
		sig, err := Sign(testSecret, scheme.Fields("112233", "ORD9", "success")...)
		require.NoError(t, err)
		require.True(t, v.Verify("112233", "ORD9", "success", sig), string(scheme))
	}
}

func TestVerifyRejectsEverySingleCharacterMutation(t *testing.T) {
	v := Verifier{Secret: testSecret, Scheme: SchemeOrder}
	valid := "nHWuMa5Mx4caA0eNyMwSjq2ZAW6CYc2IKX1+BY0m9as="
	require.True(t, v.Verify("123456", "ORD1", "success", valid))
	for i := range valid {
		mutated := []byte(valid)
		if mutated[i] == 'A' {
			mutated[i] = 'B'
		} else {
			mutated[i] = 'A'
		}
		if v.Verify("123456", "ORD1", "success", string(mutated)) {
			t.Fatalf("mutation at %d accepted", i)
		}
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	sig := "nHWuMa5Mx4caA0eNyMwSjq2ZAW6CYc2IKX1+BY0m9as="
	require.False(t, Verifier{Scheme: SchemeOrder}.Verify("123456", "ORD1", "success", sig))
	require.False(t, Verifier{Secret: testSecret}.Verify("123456", "ORD1", "success", ""))
	require.False(t, Verifier{Secret: "other", Scheme: SchemeOrder}.Verify("123456", "ORD1", "success", sig))
	// status is not covered by the default scheme, but is by the legacy one
	require.False(t, Verifier{Secret: testSecret, Scheme: SchemeOrderStatus}.Verify("123456", "ORD1", "success", sig))
}

func TestParseInboundScheme(t *testing.T) {
	s, err := ParseInboundScheme("")
	require.NoError(t, err)
	require.Equal(t, SchemeOrder, s)
	s, err = ParseInboundScheme(" ORDER_STATUS ")
	require.NoError(t, err)
	require.Equal(t, SchemeOrderStatus, s)
	_, err = ParseInboundScheme("amount")
	require.ErrorIs(t, err, common.ErrConfiguration)
}
