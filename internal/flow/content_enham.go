package flow

import (
	"fmt"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

const enhamDirectPaymentsURL = "https://www.enhamtrust.org.uk/Pages/Category/direct-payments"

// detailCheckIntervals maps the check-in frequency labels to the days until the next check.
var detailCheckIntervals = map[string]int{
	"Monthly basis":   30,
	"Quarterly basis": 90,
}

func frequencyButtons() []models.Button {
	return []models.Button{
		button("monthly-next_section", "Monthly basis"),
		button("quarterly-next_section", "Quarterly basis"),
	}
}

// nextDetailCheck computes the next check-in date from the frequency the user chose.
func nextDetailCheck(req Request) (any, bool) {
	days, ok := detailCheckIntervals[req.Signal.Text]
	if !ok {
		return nil, false
	}
	return req.Now.AddDate(0, 0, days).Format(time.RFC3339), true
}

func nowStamp(req Request) (any, bool) {
	return req.Now.Format(time.RFC3339), true
}

func enhamQuizContent() *FlowContent {
	startButton := button("start-enham", "Start")
	briefings := map[string]string{
		ServiceAskQuestions: "You can ask me anything about Direct Payments, housing support from Shelter or money guidance from MoneyHelper. Tap Start when you're ready.",
		ServiceTraining:     "This training takes around 15 minutes. You'll watch two short videos and answer a few questions along the way. Tap Start when you're ready.",
		ServiceDocuments:    "You can review and sign your Direct Payment documents here. Tap Start to continue.",
	}
	videoPrompt := func(n int) models.OutboundContent {
		return template("enhamvideo", fmt.Sprintf("Once you've watched video %d, tap Continue.", n), button(fmt.Sprintf("continue-video%d", n), "Continue"))
	}

	return &FlowContent{
		Name:     FlowEnhamQuiz,
		Sections: map[int]int{1: 2},
		Layout: Layout{
			1: {
				1: say(template("enham_start", "Hi there, thanks for messaging Enham :)\n\nWhat would you like to do today?",
					button(ServiceAskQuestions, "Ask a question"),
					button(ServiceTraining, "Training & quizzes"),
					button(ServiceDocuments, "Sign documents"))),
				2: {Build: func(_ *Resolver, req Request) (Resolution, error) {
					service := req.Selections[models.SelectionServiceSelection]
					body, ok := briefings[service]
					if !ok {
						return Resolution{}, fmt.Errorf("%w: service %q", ErrUnrecognizedSelection, service)
					}
					return Resolution{Messages: []models.OutboundContent{text(body, startButton)}}, nil
				}},
			},
		},
		TrackKey: models.SelectionServiceSelection,
		Tracks: map[string]Track{
			ServiceAskQuestions: {
				Sections: map[int]int{2: 3},
				Layout: Layout{2: {
					1: say(text("What can I help you with?")),
					2: say(
						text("Thanks for your question. A member of the Enham team will look into it and reply here soon."),
						template("enham_qa_followup", "Would you like to ask anything else?",
							button(PayloadRepeatQA, "Yes"), button("no-enham_qa", "No")),
					),
					3: final(text("Thanks for messaging Enham! 👋")),
				}},
			},
			ServiceTraining: {
				Sections: map[int]int{2: 9},
				Layout: Layout{2: {
					1: say(
						text("Welcome to the Enham Direct Payments training!"),
						text("Please watch the first video here: "+enhamDirectPaymentsURL),
						videoPrompt(1),
					),
					2: asked("1", text("What is your name?")),
					3: asked("2", text("What is your email address?")),
					4: asked("3", text("Do you understand that you are receiving a Direct Payment to pay for your Care/Support?", yesNo("dp_care")...)),
					5: asked("4", text("Do you understand that you are receiving a Direct Payment to Choose Your Own Provider?", yesNo("dp_provider")...)),
					6: say(
						text("Thanks! Please watch the second video here: "+enhamDirectPaymentsURL),
						videoPrompt(2),
					),
					7: asked("5", text("Do you know what records you have to keep for audits?", yesNo("dp_records")...)),
					8: asked("6", text("Do you know you need a separate bank account for Direct Payments unless you have an Enham Holding Account?", yesNo("dp_bank")...)),
					9: final(text("Thanks for completing the training! You may now ask questions about Direct Payments. Just message 'hi enham' any time.")),
				}},
			},
			ServiceDocuments: {
				Sections: map[int]int{2: 1},
				Layout: Layout{2: {
					1: final(text("Document signing is coming soon. We'll message you as soon as it's ready.")),
				}},
			},
		},
	}
}

func paRegisterContent() *FlowContent {
	prompt := func(body string, rules ...ProfileRule) Entry {
		return Entry{Messages: []models.OutboundContent{text(body)}, Profile: rules}
	}
	choice := func(body string, buttons []models.Button, rules ...ProfileRule) Entry {
		return Entry{Messages: []models.OutboundContent{text(body, buttons...)}, Profile: rules}
	}

	return &FlowContent{
		Name:     FlowPARegister,
		Sections: map[int]int{1: 6, 2: 1, 3: 1, 4: 1, 5: 3, 6: 1, 7: 1, 8: 2, 9: 1},
		Layout: Layout{
			1: {
				1: {
					Messages: []models.OutboundContent{template("enham_pa_register_intro",
						"Hi! Thanks for your interest in joining Enham's Personal Assistant register. We'll ask a few questions about you and your availability. It takes around 5 minutes.",
						button("start-register", "Start"), button(PayloadCancel, "Not right now"))},
					Profile: []ProfileRule{literal("isEnhamPA", true)},
				},
				2: prompt("What is your full name?"),
				3: prompt("What is the best phone number to contact you on?", saveAs("username", models.ContainerObject)),
				4: prompt("What is your email address?", saveAs("alt_phone_number", models.ContainerObject)),
				5: prompt("What is your postcode?", saveAs("email_address", models.ContainerObject)),
				6: choice("How far are you willing to travel for work?", []models.Button{
					button("0_2-next_section", "0-2 miles"),
					button("2_5-next_section", "2-5 miles"),
					button("5_15-next_section", "5-15 miles"),
					button("15_plus-next_section", "15+ miles"),
				}, saveAs("postcode", models.ContainerObject)),
			},
			2: {
				1: choice("Do you have an in-date Portable DBS check?", []models.Button{
					button("yes-next_section", "Yes"), button("no-next_section", "No"),
				}, saveAs("max_travel_distance", models.ContainerObject)),
			},
			3: {
				1: choice("Which languages do you speak? If you speak more than one, choose your main language and tell us the others later.", []models.Button{
					button("english-next_section", "English"),
					button("welsh-next_section", "Welsh"),
					button("other-next_section", "Other"),
				}, saveAs("in-date Portable DBS", models.ContainerObject)),
			},
			4: {
				1: choice("When are you usually available to work?", []models.Button{
					button("weekdays-next_section", "Weekdays"),
					button("weekends-next_section", "Weekends"),
					button("any-next_section", "Any time"),
				}, saveAs("Language", models.ContainerArray)),
			},
			5: {
				1: prompt("Please tell us about any relevant experience you have.", saveAs("availability_days_times", models.ContainerObject)),
				2: prompt("What qualifications do you have?", saveAs("relevant_experience", models.ContainerObject)),
				3: choice("Are you able to provide two references?", []models.Button{
					button("yes-next_section", "Yes"), button("no-next_section", "No"),
				}, saveAs("qualifications", models.ContainerObject)),
			},
			6: {
				1: choice("What type of work would you prefer?", []models.Button{
					button("personal_care-next_section", "Personal care"),
					button("companionship-next_section", "Companionship"),
					button("either-next_section", "Either"),
				}, saveAs("references", models.ContainerObject)),
			},
			7: {
				1: choice("How often should we check in to make sure your details are up to date?", frequencyButtons(),
					saveAs("Availability Preference", models.ContainerObject)),
			},
			8: {
				1: choice("Is there anything else you'd like to add to your registration? Send it as a message, or tap below if not.",
					[]models.Button{button("default-next_section", "Nothing else")},
					saveAs("availability_check_frequency", models.ContainerObject),
					literal("registrationComplete", true),
					ProfileRule{Field: "registrationDate", Container: models.ContainerRaw, Value: nowStamp},
					ProfileRule{Field: "nextDetailCheckDate", Container: models.ContainerRaw, Value: nextDetailCheck},
				),
				2: choice("Thanks, we've added that to your notes.", []models.Button{button("next-next_section", "Next")},
					saveAs("notes", models.ContainerArray)),
			},
			9: {
				1: final(text("Thank you for registering! We'll be in touch when a suitable role comes up.")),
			},
		},
	}
}

// profileText renders a stored profile field for display.
func profileText(user *models.UserInfo, field string) string {
	if user == nil {
		return ""
	}
	switch v := user.Profile[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case models.ProfileValue:
		return fmt.Sprint(v.Value)
	case []models.ProfileValue:
		if len(v) == 0 {
			return ""
		}
		return fmt.Sprint(v[len(v)-1].Value)
	case map[string]any:
		if inner, ok := v["value"]; ok {
			return fmt.Sprint(inner)
		}
		return ""
	case []any:
		if len(v) == 0 {
			return ""
		}
		if m, ok := v[len(v)-1].(map[string]any); ok {
			return fmt.Sprint(m["value"])
		}
		return fmt.Sprint(v[len(v)-1])
	default:
		return fmt.Sprint(v)
	}
}

// detailCheckSection is the check, collect, confirm sequence for one profile field.
func detailCheckSection(templateKey, label, field, changeID string, greet bool) map[int]Entry {
	return map[int]Entry{
		1: {Build: func(_ *Resolver, req Request) (Resolution, error) {
			current := profileText(req.User, field)
			if current == "" {
				current = "not set"
			}
			body := fmt.Sprintf("We have your %s as: %s\n\nIs this still correct?", label, current)
			var msgs []models.OutboundContent
			if greet {
				name := profileText(req.User, "username")
				if name == "" {
					name = "there"
				}
				msgs = append(msgs, text(fmt.Sprintf("Hi %s! It's time for your regular Enham PA register check-in.", name)))
			}
			msg := template(templateKey, body, button("no-next_section", "Yes, that's right"), button("yes-"+changeID, "Update it"))
			msg.TemplateVariables["2"] = current
			msgs = append(msgs, msg)
			return Resolution{Messages: msgs}, nil
		}},
		2: say(text(fmt.Sprintf("Please send your new %s.", label))),
		3: {
			Messages: []models.OutboundContent{text(fmt.Sprintf("Thanks, we've updated your %s.", label), button("ok-next_section", "OK"))},
			Profile:  []ProfileRule{saveAs(field, models.ContainerObject)},
		},
	}
}

func paDetailCheckContent() *FlowContent {
	return &FlowContent{
		Name:     FlowPADetailCheck,
		Sections: map[int]int{1: 3, 2: 3, 3: 3, 4: 3, 5: 1, 6: 1},
		Layout: Layout{
			1: detailCheckSection("enham_pa_check_availability", "availability", "availability_days_times", "availability_change", true),
			2: detailCheckSection("enham_pa_check_postcode", "postcode", "postcode", "postcode_change", false),
			3: detailCheckSection("enham_pa_check_distance", "maximum travel distance", "max_travel_distance", "distance_change", false),
			4: {
				1: say(text("Do you have any other updates for us?", button("no-next_section", "No"), button("yes-extra_update", "Yes"))),
				2: say(text("Please state your other updates.")),
				3: {
					Messages: []models.OutboundContent{text("Thanks, we've noted your updates.", button("ok-next_section", "OK"))},
					Profile:  []ProfileRule{saveAs("notes", models.ContainerArray)},
				},
			},
			5: {
				1: say(text("How often would you like us to check in with you?", frequencyButtons()...)),
			},
			6: {
				1: {
					Messages: []models.OutboundContent{text("Ok sure - I'll check-in then. Thanks for keeping your details up to date!")},
					Terminal: true,
					Profile: []ProfileRule{
						saveAs("availability_check_frequency", models.ContainerObject),
						{Field: "lastDetailCheckDate", Container: models.ContainerRaw, Value: nowStamp},
						{Field: "nextDetailCheckDate", Container: models.ContainerRaw, Value: nextDetailCheck},
					},
				},
			},
		},
	}
}
