package flow

import "github.com/BTreeMap/FlowPipe/internal/models"

func surveyStartButtons() []models.Button {
	return []models.Button{button("start-survey", "Let's go"), button(PayloadCancel, "Not right now")}
}

func ratingScale(q string) string {
	return q + "\n\nREPLY with a number from 1 (very poor) to 5 (excellent)."
}

func agreeButtons(id string) []models.Button {
	return []models.Button{
		button("agree-"+id, "Agree"),
		button("neutral-"+id, "Neither"),
		button("disagree-"+id, "Disagree"),
	}
}

func yesNo(id string) []models.Button {
	return []models.Button{button("yes-"+id, "Yes"), button("no-"+id, "No")}
}

func surveyContent() *FlowContent {
	notSharing := func(req Request) bool { return buttonPrefix(req.Signal) != "sharename" }

	return &FlowContent{
		Name:     FlowSurvey,
		Sections: map[int]int{1: 4, 2: 5, 3: 5, 4: 3, 5: 4, 6: 7, 7: 6},
		Layout: Layout{
			1: {
				1: {
					Messages: []models.OutboundContent{template("survey_intro",
						"Hi! It's time for the Fat Macy's trainee survey. There are 7 short sections and it takes around 10 minutes. Your answers help us improve the programme.",
						surveyStartButtons()...)},
					Reminder: []models.OutboundContent{template("survey_reminder",
						"Hi! Just a friendly reminder that we'd love to hear from you in the Fat Macy's trainee survey. It only takes around 10 minutes.",
						surveyStartButtons()...)},
				},
				2: asked("1B", template("survey_1b",
					"Great\n\nSection 1 of 7: About you\n\n1B) Are you happy for us to record your name?",
					button("sharename-x", "Yes"), button("noshare-x", "No, keep me anonymous"))),
				3: asked("1A", text("1A) What stage of the Fat Macy's programme are you at?\n\nREPLY With the Right number.\n\n1: Completing my trial period\n\n2: Completing my 200 hours of work experience\n\n3: I have completed 200 hours of work experience but not yet used my Move On Grant\n\n4: I used my Move On Grant less than 6 months ago\n\n5: I used my Move On Grant between 6 months and 2 years ago"),
					ProfileRule{Field: "isAnon", Container: models.ContainerRaw, Value: func(req Request) (any, bool) {
						return notSharing(req), true
					}},
					ProfileRule{Field: "username", Container: models.ContainerObject, Value: func(req Request) (any, bool) {
						return "Anon", notSharing(req)
					}},
				),
				4: asked("1C", template("survey_1c",
					"1C) Are you happy for us to ask about your answers on this form?",
					button("followup-next_section", "Yes"), button("nofollowup-next_section", "No"))),
			},
			2: {
				1: asked("2A", template("survey_2a",
					"Great thank you.\n\nSection 2 of 7: Workplace training\n\nWhen answering these questions, think about the training hours you've completed in the restaurant or at events at other venues.\n\n2A) Have you completed any training with Fat Macy's since March 2024?",
					yesNo("2a")...),
					ProfileRule{Field: "isContactable", Container: models.ContainerRaw, Value: func(req Request) (any, bool) {
						return buttonPrefix(req.Signal) == "followup", true
					}},
				),
				2: asked("2B", template("survey_2b", ratingScale("2B) How would you rate the work experience and training part of the Fat Macy's Milestone Programme?"))),
				3: asked("2C", text("2C) Please complete this sentence using a voice note or text message:\n\n'When I think about my training hours with Fat Macy's, I feel...'")),
				4: asked("2D", text("2D) Thank you for sharing. We often have sessions on the rota which we cannot fill. How could Fat Macy's support you to complete more hours?\n\nPlease answer using a voice note or text message")),
				5: asked("2E", text("2E) Is there anything else you'd like to tell us about your training?")),
			},
			3: {
				1: asked("3A", text("Thanks for sharing your thoughts!\n\nSection 3 of 7: The Lexington\n\n3A) Have you completed any training sessions with the Lexington?", yesNo("3a")...)),
				2: asked("3B", text(ratingScale("3B) How would you rate the training you have received from the Lexington team?"))),
				3: asked("3C", text(ratingScale("3C) How would you rate your experience of communicating and working with the Lexington team generally?"))),
				4: asked("3D", text("3D) Please complete this sentence using a voice note or text message:\n\n'When I think about my sessions with Lexington, I feel...'")),
				5: asked("3E", text("3E) Is there anything else you'd like to tell us about the Lexington?")),
			},
			4: {
				1: asked("4A", text(ratingScale("Thanks for sharing your thoughts!\n\nSection 4 of 7: Support from Fat Macy's\n\n4A) How would you rate the support you receive from the Progression & Engagement Team?"))),
				2: asked("4B", text("4B) Please complete this sentence using a voice note or text message:\n\n'When I think about the 1:1 support I've received from Fat Macy's, I feel...'")),
				3: asked("4C", text("4C) Is there anything else you'd like to tell us about the support you receive?")),
			},
			5: {
				1: asked("5A", text("Thanks for sharing your thoughts 🥰\n\nSection 5 of 7: Applying for Grants\n\n5A) Have you applied for your Housing Deposit Grant yet?", yesNo("5a")...)),
				2: asked("5B", text(ratingScale("5B) How would you rate your experience of applying for your Housing Deposit Grant?"))),
				3: asked("5C", text("5C) Please answer the following using a voice note or text message:\n\n1. What is / was helpful about the application process?\n2. How could we improve the application process?")),
				4: asked("5D", text("5D) Is there anything else you'd like to tell us about applying for grants?")),
			},
			6: {
				1: asked("6A", text(ratingScale("Thanks for sharing your thoughts 🥰\n\nSection 6 of 7: Communication with Fat Macy's\n\n6A) How would you rate your experience of communicating and working with the Fat Macy's Team generally?"))),
				2: asked("6B", text("6B) Please complete this sentence using a voice note or text:\n\n'When I think about the Fat Macy's team, I feel...'")),
				3: asked("6C", text(ratingScale("6C) How would you rate the way Fat Macy's shares information about the programme and the services it offers?"))),
				4: asked("6D", text("6D) Which of these Fat Macy's services are you aware of?\n\nPlease REPLY separating the numbers of services with a comma, i.e: '1,2'\n\n1. Counselling\n2. Life coaching\n3. Career mentoring\n4. CV and interview workshops\n5. Benefits and budgeting advice\n6. Day trips and social events")),
				5: asked("6E", text("6E) Do you read the monthly Fat Macy's Trainee Newsletter?\n\nREPLY With the Right number.\n\n1: I didn't know there was a newsletter\n\n2: I knew about the newsletter, but I don't ever read it\n\n3: I skim the newsletter, but don't read it in detail\n\n4: I sometimes read the newsletter\n\n5: I always read the newsletter")),
				6: asked("6F", text("6F) Fat Macy's tries to share stories about our current trainees.\n\nPlease complete this sentence using a voice note or text message:\n\n'When I read/hear stories about other trainees' successes, I feel...'")),
				7: asked("6G", text("6G) Is there anything else you'd like to tell us about how we communicate?")),
			},
			7: {
				1: asked("7A", template("survey_7a", "Thanks for sharing your thoughts 🥰\n\nSection 7 of 7: Final reflections\n\n7A) Please choose how much you agree with 'I feel a sense of belonging at Fat Macy's'", agreeButtons("7a")...)),
				2: asked("7B", text("7B) Please choose how much you agree with 'I feel able to bring my authentic self to Fat Macy's'", agreeButtons("7b")...)),
				3: asked("7C", text("7C) Please choose how much you agree with 'I feel like my voice matters at Fat Macy's'", agreeButtons("7c")...)),
				4: asked("7D", text("7D) Please answer the following using a voice note or text message:\n\n1. What has worked well during your time at Fat Macy's?\n2. What hasn't worked well?\n3. How could we improve the trainee and graduate experience at Fat Macy's?")),
				5: asked("7E", template("survey_7e", "7E) How likely are you to recommend Fat Macy's to a friend?\n\nREPLY with a number from 0 (not at all likely) to 10 (extremely likely).")),
				6: final(text("That's the end of the survey. Thank you so much for taking the time to share your thoughts with us! 💛")),
			},
		},
	}
}

func socialSurveyContent() *FlowContent {
	startButtons := []models.Button{button("start-social", "Let's go"), button(PayloadCancel, "Not right now")}
	return &FlowContent{
		Name:     FlowSocialSurvey,
		Sections: map[int]int{1: 10},
		Layout: Layout{
			1: {
				1: {
					Messages: []models.OutboundContent{template("fm_social_survey_intro",
						"Hi! Thanks for coming along to our recent Fat Macy's event. We'd love to hear what you thought. It only takes 2 minutes.",
						startButtons...)},
					Reminder: []models.OutboundContent{template("survey_reminder",
						"Hi! Just a friendly reminder that we'd love to hear what you thought about our recent event. It only takes 2 minutes.",
						startButtons...)},
				},
				2: asked("1", text("Did you attend the:",
					button(AttendedGraduation, "Graduation event"),
					button(AttendedSocial, "End of year social"),
					button(AttendedBoth, "Both"),
					button(AttendedNeither, "Neither"))),
				3: asked("2", text("Did you attend as a graduate receiving a certificate for completing the programme?", yesNo("graduate")...)),
				4: asked("3", text("Has attending this event given you an increased sense of accomplishment?", yesNo("accomplishment")...)),
				5: asked("4", text("Has attending this event given you an increased sense of motivation to achieve your goals?", yesNo("motivation")...)),
				6: asked("5", text("Do you feel attending this event has increased your sense of belonging with Fat Macy's?", yesNo("belonging")...)),
				7: asked("6", text("What did you enjoy about the event?")),
				8: asked("7", text("Do you have any feedback, thoughts or ideas for Fat Macy's trainee socials?")),
				9: final(text("Great - thanks so much for sharing your feedback with us! 💛")),
				10: final(text("No problem! Have a great day!")),
			},
		},
	}
}
