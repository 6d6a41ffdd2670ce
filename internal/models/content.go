package models

import "time"

// Button is a quick-reply option. Payload is the machine token returned by the
// provider as ButtonPayload; Label is what the user sees and what arrives as Body.
type Button struct {
	Payload string `json:"payload" yaml:"payload"`
	Label   string `json:"label" yaml:"label"`
}

// OutboundContent is one message to deliver. When TemplateKey is set the
// provider renders the template with TemplateVariables; otherwise Body is sent as text.
type OutboundContent struct {
	Body              string            `json:"body,omitempty"`
	TemplateKey       string            `json:"template_key,omitempty"`
	TemplateVariables map[string]string `json:"template_variables,omitempty"`
	MediaURL          string            `json:"media_url,omitempty"`
	Buttons           []Button          `json:"buttons,omitempty"`
}

// IsTemplate reports whether the content references a provider template.
func (c OutboundContent) IsTemplate() bool {
	return c.TemplateKey != ""
}

// ContainerType selects how a profile field is stored.
type ContainerType string

const (
	// ContainerObject keeps only the latest value with its source metadata.
	ContainerObject ContainerType = "object"
	// ContainerArray appends each value to a history list.
	ContainerArray ContainerType = "array"
	// ContainerRaw stores the value as-is with no metadata wrapper.
	ContainerRaw ContainerType = "raw"
)

// ProfileUpdate is a declarative patch to a user's profile.
type ProfileUpdate struct {
	Field            string        `json:"field"`
	Value            any           `json:"value"`
	Container        ContainerType `json:"container"`
	SourceMessageSid string        `json:"source_message_sid,omitempty"`
}

// ProfileValue is the stored shape of an object or array profile entry.
type ProfileValue struct {
	Value              any        `json:"value"`
	OriginalMessageSid string     `json:"originalMessageSid,omitempty"`
	LastUpdatedAt      *time.Time `json:"lastUpdatedAt,omitempty"`
	CreatedAt          *time.Time `json:"createdAt,omitempty"`
}

// UserInfo is the directory entry for one messaging contact.
type UserInfo struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	ProfileName    string         `json:"profile_name,omitempty"`
	OptedOut       bool           `json:"opted_out"`
	Profile        map[string]any `json:"profile,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ApplyProfileUpdates folds updates into a profile document and returns it.
func ApplyProfileUpdates(profile map[string]any, updates []ProfileUpdate, now time.Time) map[string]any {
	if profile == nil {
		profile = make(map[string]any, len(updates))
	}
	for _, u := range updates {
		switch u.Container {
		case ContainerObject:
			t := now
			profile[u.Field] = ProfileValue{Value: u.Value, OriginalMessageSid: u.SourceMessageSid, LastUpdatedAt: &t}
		case ContainerArray:
			t := now
			entry := ProfileValue{Value: u.Value, OriginalMessageSid: u.SourceMessageSid, CreatedAt: &t}
			switch existing := profile[u.Field].(type) {
			case []ProfileValue:
				profile[u.Field] = append(existing, entry)
			case []any:
				profile[u.Field] = append(existing, entry)
			default:
				profile[u.Field] = []ProfileValue{entry}
			}
		default:
			profile[u.Field] = u.Value
		}
	}
	return profile
}
