package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// editableFields maps the detail labels offered to users to profile fields.
var editableFields = map[string]string{
	"name":          "username",
	"phone number":  "alt_phone_number",
	"email address": "email_address",
	"postcode":      "postcode",
}

func editableField(label string) (string, error) {
	field, ok := editableFields[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		return "", fmt.Errorf("%w: detail field %q", ErrUnrecognizedSelection, label)
	}
	return field, nil
}

func editDetailsContent() *FlowContent {
	return &FlowContent{
		Name:     FlowEditDetails,
		Sections: map[int]int{1: 4},
		Layout: Layout{
			1: {
				1: say(text("Which detail would you like to update?",
					button("name", "Name"),
					button("phone", "Phone number"),
					button("email", "Email address"),
					button("postcode", "Postcode"))),
				2: {Build: func(_ *Resolver, req Request) (Resolution, error) {
					label := req.Selections[models.SelectionDetailField]
					if _, err := editableField(label); err != nil {
						return Resolution{}, err
					}
					return Resolution{Messages: []models.OutboundContent{
						text(fmt.Sprintf("Please send your new %s.", strings.ToLower(strings.TrimSpace(label)))),
					}}, nil
				}},
				3: {Build: func(_ *Resolver, req Request) (Resolution, error) {
					label := req.Selections[models.SelectionDetailField]
					field, err := editableField(label)
					if err != nil {
						return Resolution{}, err
					}
					value := req.Selections[models.SelectionDetailValue]
					return Resolution{
						Messages: []models.OutboundContent{text(
							fmt.Sprintf("Thanks, your %s has been updated to %s. Would you like to update anything else?", strings.ToLower(strings.TrimSpace(label)), value),
							button("yes-edit", TokenEditAnother), button("no-edit", TokenEditDone),
						)},
						ProfileUpdates: []models.ProfileUpdate{{
							Field:            field,
							Value:            value,
							Container:        models.ContainerObject,
							SourceMessageSid: req.MessageSid,
						}},
					}, nil
				}},
				4: final(text("Thanks, your details are up to date. Have a great day!")),
			},
		},
		Closing:      &Entry{Messages: []models.OutboundContent{text("No problem, your details are all up to date. Have a great day!")}, Terminal: true},
		ErrorMessage: "Sorry, I didn't recognise that detail. Please text 'edit details' to try again.",
	}
}
