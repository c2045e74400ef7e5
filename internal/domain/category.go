package domain

// Category is the notification type recorded in history and used for
// preference filtering.
type Category string

const (
	CategoryBookingConfirmation Category = "booking_confirmation"
	CategoryBookingReminder     Category = "booking_reminder"
	CategoryLoyaltyStamp        Category = "loyalty_stamp"
	CategoryChat                Category = "chat"
	CategoryGiveaway            Category = "giveaway"
	CategoryAdminBroadcast      Category = "admin_broadcast"
	CategoryInactivityReminder  Category = "inactivity_reminder"
	CategoryPromotion           Category = "promotion"
)

// PreferenceField names a boolean column of notification_preferences.
type PreferenceField string

const (
	PrefNone                 PreferenceField = ""
	PrefBookingConfirmations PreferenceField = "booking_confirmations"
	PrefReminders            PreferenceField = "reminders"
	PrefChatMessages         PreferenceField = "chat_messages"
	PrefGiveaways            PreferenceField = "giveaways"
	PrefPromotions           PreferenceField = "promotions"
)

// Urgency values of the Web Push Urgency header.
const (
	UrgencyVeryLow = "very-low"
	UrgencyLow     = "low"
	UrgencyNormal  = "normal"
	UrgencyHigh    = "high"
)

// CategoryPolicy: Field == PrefNone means the category is transactional and
// is never filtered.
type CategoryPolicy struct {
	Field   PreferenceField
	Urgency string
}

var categoryPolicies = map[Category]CategoryPolicy{
	CategoryBookingConfirmation: {Field: PrefNone, Urgency: UrgencyHigh},
	CategoryBookingReminder:     {Field: PrefNone, Urgency: UrgencyHigh},
	CategoryLoyaltyStamp:        {Field: PrefNone, Urgency: UrgencyNormal},
	CategoryChat:                {Field: PrefChatMessages, Urgency: UrgencyHigh},
	CategoryGiveaway:            {Field: PrefGiveaways, Urgency: UrgencyNormal},
	CategoryAdminBroadcast:      {Field: PrefPromotions, Urgency: UrgencyNormal},
	CategoryInactivityReminder:  {Field: PrefReminders, Urgency: UrgencyLow},
	CategoryPromotion:           {Field: PrefPromotions, Urgency: UrgencyNormal},
}

// PolicyFor returns the policy of c. Unknown categories are treated like
// admin broadcasts.
func PolicyFor(c Category) CategoryPolicy {
	if p, ok := categoryPolicies[c]; ok {
		return p
	}
	return categoryPolicies[CategoryAdminBroadcast]
}

// Filterable reports whether recipients may opt out of c.
func (c Category) Filterable() bool {
	return PolicyFor(c).Field != PrefNone
}

// Known reports whether c is one of the declared categories.
func (c Category) Known() bool {
	_, ok := categoryPolicies[c]
	return ok
}
