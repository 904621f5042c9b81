package payment

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/anticca-payments/internal/common"
)

// Currency is the gateway's numeric currency code.
type Currency int

const (
	CurrencyTRY Currency = 0
	CurrencyUSD Currency = 1
	CurrencyEUR Currency = 2
)

// Valid reports whether the gateway accepts c.
func (c Currency) Valid() bool {
	return c >= CurrencyTRY && c <= CurrencyEUR
}

// String returns the ISO code.
func (c Currency) String() string {
	switch c {
	case CurrencyTRY:
		return "TRY"
	case CurrencyUSD:
		return "USD"
	case CurrencyEUR:
		return "EUR"
	default:
		return "UNKNOWN"
	}
}

const (
	productTypePhysical = "0"
	modulVersion        = "1.0.4"
)

// Buyer identifies the paying customer.
type Buyer struct {
	ID         string `json:"id" validate:"max=64"`
	Name       string `json:"name" validate:"required,max=128"`
	Surname    string `json:"surname" validate:"max=128"`
	Email      string `json:"email" validate:"required,email"`
	Phone      string `json:"phone" validate:"max=32"`
	AccountAge int    `json:"accountAge" validate:"min=0"`
}

// Address is used for both billing and shipping.
type Address struct {
	Address  string `json:"address" validate:"max=512"`
	City     string `json:"city" validate:"max=128"`
	Country  string `json:"country" validate:"max=128"`
	Postcode string `json:"postcode" validate:"max=16"`
}

// SessionRequest is the Create payload.
type SessionRequest struct {
	OrderID      string          `json:"orderId" validate:"required,max=128"`
	OrderAmount  decimal.Decimal `json:"orderAmount"`
	Currency     *int            `json:"currency" validate:"omitempty,min=0,max=2"`
	ProductName  string          `json:"productName" validate:"max=255"`
	Buyer        Buyer           `json:"buyer"`
	Address      Address         `json:"address"`
	WebsiteIndex *int            `json:"websiteIndex" validate:"omitempty,min=0,max=4"`
	Language     string          `json:"language" validate:"omitempty,oneof=tr en TR EN"`
}

// Amount returns the order amount formatted for signing.
func (r SessionRequest) Amount() string {
	return r.OrderAmount.StringFixed(2)
}

// CurrencyCode returns the requested currency, TRY when unset.
func (r SessionRequest) CurrencyCode() Currency {
	if r.Currency == nil {
		return CurrencyTRY
	}
	return Currency(*r.Currency)
}

// Merchant holds the credentials and defaults used to build merchant forms.
type Merchant struct {
	APIKey       string
	Secret       string
	PaymentURL   string
	CallbackURL  string
	WebsiteIndex int
	ProductName  string
}

// Configured reports whether both credentials are present.
func (m Merchant) Configured() bool {
	return m.APIKey != "" && m.Secret != ""
}

// SessionForm is what the browser posts to the hosted payment page.
type SessionForm struct {
	PaymentURL string            `json:"paymentUrl"`
	FormData   map[string]string `json:"formData"`

	Nonce    string          `json:"-"`
	Amount   decimal.Decimal `json:"-"`
	Currency Currency        `json:"-"`
}

// ValidationError lists the request fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid fields: " + strings.Join(e.Fields, ", ")
}

// Unwrap classifies the error as common.ErrValidation.
func (e *ValidationError) Unwrap() error { return common.ErrValidation }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the request before anything is signed.
func (r SessionRequest) Validate() error {
	var fields []string
	if err := validate.Struct(r); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("%w: %v", common.ErrValidation, err)
		}
		for _, fe := range verrs {
			ns := fe.Namespace()
			if i := strings.IndexByte(ns, '.'); i >= 0 {
				ns = ns[i+1:]
			}
			fields = append(fields, ns)
		}
	}
	// The form carries the amount with two fraction digits, so anything finer
	// would be signed as a different value than the one requested.
	if !r.OrderAmount.IsPositive() || !r.OrderAmount.Equal(r.OrderAmount.Round(2)) {
		fields = append(fields, "orderAmount")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// NewNonce returns a 32 hex character random value.
func NewNonce() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return strings.ReplaceAll(id.String(), "-", ""), nil
}

// BuildSession validates req and assembles the signed merchant form using nonce.
func BuildSession(req SessionRequest, m Merchant, nonce string) (SessionForm, error) {
	if !m.Configured() {
		return SessionForm{}, fmt.Errorf("%w: merchant credentials are not set", common.ErrConfiguration)
	}
	if err := req.Validate(); err != nil {
		return SessionForm{}, err
	}
	if strings.TrimSpace(nonce) == "" {
		return SessionForm{}, fmt.Errorf("%w: nonce is empty", common.ErrConfiguration)
	}

	amount := req.Amount()
	currency := req.CurrencyCode()
	signature, err := Sign(m.Secret, OutboundFields(nonce, req.OrderID, amount, currency)...)
	if err != nil {
		return SessionForm{}, err
	}

	websiteIndex := m.WebsiteIndex
	if req.WebsiteIndex != nil {
		websiteIndex = *req.WebsiteIndex
	}
	productName := strings.TrimSpace(req.ProductName)
	if productName == "" {
		productName = m.ProductName
	}
	name, surname := strings.TrimSpace(req.Buyer.Name), strings.TrimSpace(req.Buyer.Surname)
	if surname == "" {
		name, surname = SplitName(name)
	}
	language := "0"
	if strings.EqualFold(req.Language, "en") {
		language = "1"
	}

	form := map[string]string{
		"API_key":           m.APIKey,
		"website_index":     strconv.Itoa(websiteIndex),
		"platform_order_id": req.OrderID,
		"product_name":      productName,
		"product_type":      productTypePhysical,
		"buyer_name":        name,
		"buyer_surname":     surname,
		"buyer_email":       strings.TrimSpace(req.Buyer.Email),
		"buyer_account_age": strconv.Itoa(req.Buyer.AccountAge),
		"buyer_id_nr":       req.Buyer.ID,
		"buyer_phone":       NormalizePhone(req.Buyer.Phone),
		"billing_address":   req.Address.Address,
		"billing_city":      req.Address.City,
		"billing_country":   req.Address.Country,
		"billing_postcode":  req.Address.Postcode,
		"shipping_address":  req.Address.Address,
		"shipping_city":     req.Address.City,
		"shipping_country":  req.Address.Country,
		"shipping_postcode": req.Address.Postcode,
		"total_order_value": amount,
		"currency":          strconv.Itoa(int(currency)),
		"platform":          "0",
		"is_in_frame":       "0",
		"current_language":  language,
		"modul_version":     modulVersion,
		"random_nr":         nonce,
		"signature":         signature,
	}
	if m.CallbackURL != "" {
		form["callback"] = m.CallbackURL
	}
	return SessionForm{
		PaymentURL: m.PaymentURL,
		FormData:   form,
		Nonce:      nonce,
		Amount:     req.OrderAmount.Round(2),
		Currency:   currency,
	}, nil
}

// SplitName treats the last token as the surname. A single token yields an
// empty surname.
func SplitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
	}
}

// NormalizePhone reduces a Turkish phone number to its 10 local digits by
// dropping formatting, a leading 90 country code or a leading trunk 0.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) > 10 && strings.HasPrefix(digits, "90") {
		digits = digits[2:]
	}
	if len(digits) == 11 && strings.HasPrefix(digits, "0") {
		digits = digits[1:]
	}
	return digits
}
