package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/noah-isme/training-booking/internal/common"
)

// Tier is the membership grade of a user account.
type Tier string

const (
	TierAssociate Tier = "associate"
	TierFull      Tier = "full"
	TierFellow    Tier = "fellow"
)

// MembershipStatus reports whether a membership is in good standing.
type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "active"
	MembershipLapsed    MembershipStatus = "lapsed"
	MembershipSuspended MembershipStatus = "suspended"
)

// MembershipEligible reports whether the membership discount applies to a tier and status.
func MembershipEligible(tier Tier, status MembershipStatus) bool {
	if status != MembershipActive {
		return false
	}
	return tier == TierFull || tier == TierFellow
}

// BulkStep grants Percent off when the participant count reaches MinParticipants.
type BulkStep struct {
	MinParticipants int
	Percent         decimal.Decimal
}

// Rules holds the tunable inputs shared by every quote.
type Rules struct {
	CreditHourValue       decimal.Decimal
	MembershipDiscountPct decimal.Decimal
	// HalfPriceCourseID names the course that replaces the step table with a flat 50%
	// whenever more than one participant attends.
	HalfPriceCourseID string
	// Steps must be sorted by MinParticipants, highest first.
	Steps []BulkStep
}

var hundred = decimal.NewFromInt(100)

// DefaultSteps is the global group discount table.
func DefaultSteps() []BulkStep {
	return []BulkStep{
		{MinParticipants: 21, Percent: decimal.NewFromInt(30)},
		{MinParticipants: 11, Percent: decimal.NewFromInt(20)},
		{MinParticipants: 6, Percent: decimal.NewFromInt(15)},
		{MinParticipants: 4, Percent: decimal.NewFromInt(10)},
	}
}

// DefaultRules returns the standard rules for the given credit hour value.
func DefaultRules(creditHourValue decimal.Decimal, halfPriceCourseID string) Rules {
	return Rules{
		CreditHourValue:       creditHourValue,
		MembershipDiscountPct: decimal.NewFromInt(10),
		HalfPriceCourseID:     halfPriceCourseID,
		Steps:                 DefaultSteps(),
	}
}

// Input describes one quote request.
type Input struct {
	CourseID             string
	CPDHours             decimal.Decimal
	Participants         int
	RequestedCreditHours decimal.Decimal
	AvailableCredits     decimal.Decimal
	MembershipEligible   bool
}

// Quote is the itemised result of Compute. Money is rounded to cents at every stage and
// credit hours are truncated to one decimal.
type Quote struct {
	CreditHourValue       decimal.Decimal `json:"creditHourValue"`
	Participants          int             `json:"participants"`
	BasePrice             decimal.Decimal `json:"basePrice"`
	BulkDiscountPercent   decimal.Decimal `json:"bulkDiscountPercent"`
	BulkDiscountAmount    decimal.Decimal `json:"bulkDiscountAmount"`
	PriceAfterBulk        decimal.Decimal `json:"priceAfterBulk"`
	MaxUsableCreditHours  decimal.Decimal `json:"maxUsableCreditHours"`
	CreditHoursUsed       decimal.Decimal `json:"creditHoursUsed"`
	CreditDiscountAmount  decimal.Decimal `json:"creditDiscountAmount"`
	PriceAfterCredit      decimal.Decimal `json:"priceAfterCredit"`
	MembershipDiscountPct decimal.Decimal `json:"membershipDiscountPercent"`
	MembershipDiscount    decimal.Decimal `json:"membershipDiscountAmount"`
	FinalPrice            decimal.Decimal `json:"finalPrice"`
	PerParticipantPrice   decimal.Decimal `json:"perParticipantPrice"`
}

// Free reports whether the quote is fully covered by credits.
func (q Quote) Free() bool {
	return !q.FinalPrice.IsPositive()
}

// Compute prices a booking. Discounts compound in a fixed order: bulk, then credit hours
// against the post-bulk price, then membership on the remainder.
func Compute(rules Rules, in Input) (Quote, error) {
	if in.Participants < 1 {
		return Quote{}, common.ValidationError("participants must be at least 1", map[string]any{"participants": in.Participants})
	}
	if in.RequestedCreditHours.IsNegative() {
		return Quote{}, common.ValidationError("requested credit hours cannot be negative", nil)
	}
	if in.AvailableCredits.IsNegative() {
		return Quote{}, common.ValidationError("available credit balance cannot be negative", nil)
	}
	if in.CPDHours.IsNegative() {
		return Quote{}, common.ValidationError("course CPD hours cannot be negative", nil)
	}
	if !rules.CreditHourValue.IsPositive() {
		return Quote{}, common.ValidationError("credit hour value must be positive", nil)
	}

	q := Quote{CreditHourValue: rules.CreditHourValue, Participants: in.Participants}
	q.BasePrice = money(in.CPDHours.Mul(rules.CreditHourValue).Mul(decimal.NewFromInt(int64(in.Participants))))

	q.BulkDiscountPercent = BulkPercent(rules, in.CourseID, in.Participants)
	q.BulkDiscountAmount = money(q.BasePrice.Mul(q.BulkDiscountPercent).Div(hundred))
	q.PriceAfterBulk = clamp(q.BasePrice.Sub(q.BulkDiscountAmount))

	q.MaxUsableCreditHours = hours(q.PriceAfterBulk.Div(rules.CreditHourValue))
	used := decimal.Min(hours(in.RequestedCreditHours), hours(in.AvailableCredits), q.MaxUsableCreditHours)
	q.CreditHoursUsed = clamp(used)
	q.CreditDiscountAmount = decimal.Min(money(q.CreditHoursUsed.Mul(rules.CreditHourValue)), q.PriceAfterBulk)
	q.PriceAfterCredit = clamp(q.PriceAfterBulk.Sub(q.CreditDiscountAmount))

	q.MembershipDiscountPct = decimal.Zero
	q.MembershipDiscount = decimal.Zero
	if in.MembershipEligible && q.PriceAfterCredit.IsPositive() {
		q.MembershipDiscountPct = rules.MembershipDiscountPct
		q.MembershipDiscount = money(q.PriceAfterCredit.Mul(rules.MembershipDiscountPct).Div(hundred))
	}
	q.FinalPrice = clamp(q.PriceAfterCredit.Sub(q.MembershipDiscount))
	q.PerParticipantPrice = money(q.FinalPrice.Div(decimal.NewFromInt(int64(in.Participants))))
	return q, nil
}

// BulkPercent returns the group discount percentage for a course and participant count.
func BulkPercent(rules Rules, courseID string, participants int) decimal.Decimal {
	if rules.HalfPriceCourseID != "" && courseID == rules.HalfPriceCourseID && participants > 1 {
		return decimal.NewFromInt(50)
	}
	for _, step := range rules.Steps {
		if participants >= step.MinParticipants {
			return step.Percent
		}
	}
	return decimal.Zero
}

func money(v decimal.Decimal) decimal.Decimal {
	return clamp(v.Round(2))
}

func hours(v decimal.Decimal) decimal.Decimal {
	return clamp(v.Truncate(1))
}

func clamp(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
