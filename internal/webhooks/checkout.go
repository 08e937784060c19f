package webhooks

import (
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/logging"
)

// CheckoutConfig holds the pricing and redirect URLs for hosted checkout.
type CheckoutConfig struct {
	SecretKey      string
	Currency       string
	CentsPerCredit int64
	SuccessURL     string
	CancelURL      string
	ProductName    string
	MinCredits     int64
	MaxCredits     int64
}

func (c CheckoutConfig) withDefaults() CheckoutConfig {
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if c.ProductName == "" {
		c.ProductName = "Credit pack"
	}
	if c.MinCredits <= 0 {
		c.MinCredits = 100
	}
	if c.MaxCredits <= 0 {
		c.MaxCredits = 100000
	}
	return c
}

// CheckoutService creates Stripe hosted checkout sessions for credit
// packs. The metadata it stamps onto the session is what ApplyEvent
// reads back when the matching checkout.session.completed arrives.
type CheckoutService struct {
	cfg    CheckoutConfig
	logger logging.Logger
}

func NewCheckoutService(cfg CheckoutConfig, logger logging.Logger) (*CheckoutService, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	if cfg.CentsPerCredit <= 0 {
		return nil, fmt.Errorf("cents per credit must be positive, got %d", cfg.CentsPerCredit)
	}
	stripe.Key = cfg.SecretKey
	return &CheckoutService{cfg: cfg.withDefaults(), logger: logger}, nil
}

// CheckoutSession is the subset of the provider session the API returns.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateSession starts a hosted checkout for the given credit amount.
func (s *CheckoutService) CreateSession(userID string, credits int64) (*CheckoutSession, error) {
	if credits < s.cfg.MinCredits || credits > s.cfg.MaxCredits {
		return nil, fmt.Errorf("credit amount %d outside allowed range [%d, %d]", credits, s.cfg.MinCredits, s.cfg.MaxCredits)
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(s.cfg.Currency),
					UnitAmount: stripe.Int64(credits * s.cfg.CentsPerCredit),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(s.cfg.ProductName),
						Description: stripe.String(fmt.Sprintf("%d credits", credits)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.cfg.SuccessURL),
		CancelURL:  stripe.String(s.cfg.CancelURL),
		Metadata: map[string]string{
			"purpose":       purposeCreditPurchase,
			"user_id":       userID,
			"credit_amount": strconv.FormatInt(credits, 10),
		},
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"user_id":    userID,
		"credits":    credits,
		"session_id": sess.ID,
	}).Info("Checkout session created")
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}
