package campaign

import "time"

// RecipientStatus marks whether a recipient may be targeted
type RecipientStatus string

const (
	RecipientActive       RecipientStatus = "active"
	RecipientUnsubscribed RecipientStatus = "unsubscribed"
)

// Recipient is a resolved delivery target of a tenant
type Recipient struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Email       string            `json:"email,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	PushToken   string            `json:"push_token,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	DisplayName string            `json:"display_name"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Segments    []string          `json:"segments,omitempty"`
	Status      RecipientStatus   `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

// RecipientFilter narrows a recipient listing
type RecipientFilter struct {
	IDs        []string
	ActiveOnly bool
	Search     string
	Limit      int
	Offset     int
}

// Address returns the channel-specific address of the recipient
func (r *Recipient) Address(t Type) string {
	switch t {
	case TypeEmail:
		return r.Email
	case TypeSMS:
		return r.Phone
	case TypePush, TypeInApp:
		// push is delivered through the in-app channel
		return r.inAppID()
	}
	return ""
}

func (r *Recipient) inAppID() string {
	if r.UserID != "" {
		return r.UserID
	}
	return r.ID
}

// TemplateData returns the substitution variables for the recipient
func (r *Recipient) TemplateData() map[string]string {
	data := make(map[string]string, len(r.Attributes)+4)
	for k, v := range r.Attributes {
		data[k] = v
	}
	data["recipient_id"] = r.ID
	data["name"] = r.DisplayName
	if r.Email != "" {
		data["email"] = r.Email
	}
	if r.Phone != "" {
		data["phone"] = r.Phone
	}
	return data
}
