package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/catalog"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SignpostingPageSize is the number of services shown per results page.
const SignpostingPageSize = 3

// SignpostingErrorMessage is sent when a search cannot be run.
const SignpostingErrorMessage = "An unexpected error occurred, please text 'hi' to search again"

// Location choices, matched case-insensitively.
const (
	LocationLocal    = "local only"
	LocationNational = "national only"
	LocationBoth     = "local and national"
)

// locationScopes maps a location choice to the service scopes it includes.
var locationScopes = map[string][]string{
	LocationLocal:    {catalog.ScopeLocal},
	LocationNational: {catalog.ScopeNational},
	LocationBoth:     {catalog.ScopeLocal, catalog.ScopeNational},
}

func paginationButtons(more bool) []models.Button {
	finished := button("finished", TokenFinished)
	if !more {
		return []models.Button{finished}
	}
	return []models.Button{button("see-more", TokenSeeMore), finished}
}

// SearchServices returns the services of a category matching a location choice.
func SearchServices(dir ServiceDirectory, orgID, category, location string) ([]catalog.Service, error) {
	scopes, ok := locationScopes[strings.ToLower(strings.TrimSpace(location))]
	if !ok {
		return nil, fmt.Errorf("%w: location %q", ErrUnrecognizedSelection, location)
	}
	if dir == nil {
		return nil, fmt.Errorf("%w: no service directory", ErrUnrecognizedSelection)
	}
	services, ok := dir.Services(orgID, category)
	if !ok {
		return nil, fmt.Errorf("%w: category %q", ErrUnrecognizedSelection, category)
	}
	var out []catalog.Service
	for _, svc := range services {
		for _, scope := range scopes {
			if svc.Scope == scope {
				out = append(out, svc)
				break
			}
		}
	}
	return out, nil
}

func formatService(n int, svc catalog.Service) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d. *%s*\n%s", n, svc.Name, svc.Description)
	if svc.URL != "" {
		b.WriteString("\n" + svc.URL)
	}
	if svc.Phone != "" {
		b.WriteString("\nCall: " + svc.Phone)
	}
	return b.String()
}

func buildCategoryQuestion(r *Resolver, req Request) (Resolution, error) {
	if r.directory == nil {
		return Resolution{}, fmt.Errorf("%w: no service directory", ErrUnrecognizedSelection)
	}
	categories := r.directory.Categories(req.OrgID)
	if len(categories) == 0 {
		return Resolution{}, fmt.Errorf("%w: organization %q has no categories", ErrUnrecognizedSelection, req.OrgID)
	}
	buttons := make([]models.Button, 0, len(categories))
	for _, c := range categories {
		buttons = append(buttons, button(c, c))
	}
	return Resolution{Messages: []models.OutboundContent{text("What kind of support are you looking for?", buttons...)}}, nil
}

func buildSearchResults(r *Resolver, req Request) (Resolution, error) {
	category := req.Selections[models.SelectionCategory]
	services, err := SearchServices(r.directory, req.OrgID, category, req.Selections[models.SelectionLocation])
	if err != nil {
		return Resolution{}, err
	}
	page := (&models.FlowState{Selections: req.Selections}).Page()
	start := (page - 1) * SignpostingPageSize

	if start >= len(services) {
		body := "There are no more options to show."
		if page == 1 {
			body = fmt.Sprintf("Sorry, I couldn't find any services for %s in that area.", category)
		}
		return Resolution{Messages: []models.OutboundContent{text(body, paginationButtons(false)...)}}, nil
	}

	end := min(start+SignpostingPageSize, len(services))
	lines := []string{fmt.Sprintf("Here are some services that can help with %s:", category)}
	for i, svc := range services[start:end] {
		lines = append(lines, formatService(start+i+1, svc))
	}
	return Resolution{Messages: []models.OutboundContent{
		text(strings.Join(lines, "\n\n"), paginationButtons(end < len(services))...),
	}}, nil
}

func signpostingContent(flowName, welcome string) *FlowContent {
	return &FlowContent{
		Name:     flowName,
		Sections: map[int]int{1: 5},
		Layout: Layout{
			1: {
				1: say(text(welcome, button("start-search", "Find support"))),
				2: {Build: buildCategoryQuestion},
				3: say(text("Where would you like to find support?",
					button("local", "Local only"),
					button("national", "National only"),
					button("both", "Local and national"))),
				4: {Build: buildSearchResults},
				5: final(text("Thanks for using the support finder. Text 'hi' any time to search again.")),
			},
		},
		Closing:      &Entry{Messages: []models.OutboundContent{text("Glad I could help! Text 'hi' any time to search again.")}, Terminal: true},
		ErrorMessage: SignpostingErrorMessage,
	}
}
