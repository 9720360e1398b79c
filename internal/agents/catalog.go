package agents

// seedProduct is one entry of the built-in market catalog. Discovery
// draws from this catalog instead of scraping; complaints feed the gap
// analysis the way review mining would.
type seedProduct struct {
	product
	Complaints []string
}

var catalog = []seedProduct{
	{
		product: product{
			Name:        "Taskhive",
			Category:    "productivity",
			Description: "Kanban-first project tracker for small teams",
			URL:         "https://taskhive.example.com",
			Pricing:     "freemium",
			Audience:    "startups and small agencies",
			Score:       8.7,
			Features:    []string{"kanban boards", "time tracking", "calendar sync", "mobile app", "integrations"},
		},
		Complaints: []string{
			"no offline mode",
			"search is slow on large boards",
			"mobile app lags behind the web version",
		},
	},
	{
		product: product{
			Name:        "Flowdesk",
			Category:    "productivity",
			Description: "All-in-one workspace combining tasks, docs and goals",
			URL:         "https://flowdesk.example.com",
			Pricing:     "paid",
			Audience:    "mid-size product teams",
			Score:       8.2,
			Features:    []string{"kanban boards", "docs", "goals", "automations", "time tracking", "api access"},
		},
		Complaints: []string{
			"steep learning curve",
			"automations capped on lower tiers",
		},
	},
	{
		product: product{
			Name:        "Clockwise Metrics",
			Category:    "productivity",
			Description: "Time analytics that turn timesheets into staffing insights",
			URL:         "https://clockwise.example.com",
			Pricing:     "paid",
			Audience:    "consultancies",
			Score:       7.4,
			Features:    []string{"time tracking", "reporting dashboard", "invoicing", "calendar sync"},
		},
		Complaints: []string{
			"no api access",
			"reports cannot be scheduled",
		},
	},
	{
		product: product{
			Name:        "Notewell",
			Category:    "notes",
			Description: "Markdown knowledge base with backlinks",
			URL:         "https://notewell.example.com",
			Pricing:     "freemium",
			Audience:    "researchers and writers",
			Score:       8.9,
			Features:    []string{"docs", "backlinks", "offline mode", "api access", "mobile app"},
		},
		Complaints: []string{
			"no real-time collaboration",
			"export loses formatting",
		},
	},
	{
		product: product{
			Name:        "Acme CRM",
			Category:    "crm",
			Description: "Lightweight sales pipeline for founders",
			URL:         "https://acmecrm.example.com",
			Pricing:     "freemium",
			Audience:    "solo founders and sales teams of one",
			Score:       7.9,
			Features:    []string{"contact management", "pipeline view", "email sync", "integrations", "reporting dashboard"},
		},
		Complaints: []string{
			"no bulk import",
			"email sync drops attachments",
		},
	},
	{
		product: product{
			Name:        "Pipeforge",
			Category:    "crm",
			Description: "Deal tracking with revenue forecasting",
			URL:         "https://pipeforge.example.com",
			Pricing:     "paid",
			Audience:    "b2b sales organizations",
			Score:       8.1,
			Features:    []string{"contact management", "pipeline view", "forecasting", "automations", "api access"},
		},
		Complaints: []string{
			"mobile app is read-only",
		},
	},
	{
		product: product{
			Name:        "Chatterbox",
			Category:    "communication",
			Description: "Team chat with threaded conversations",
			URL:         "https://chatterbox.example.com",
			Pricing:     "freemium",
			Audience:    "remote-first teams",
			Score:       7.6,
			Features:    []string{"message threading", "file sharing", "integrations", "mobile app", "search"},
		},
		Complaints: []string{
			"notification settings too coarse",
			"no message scheduling",
		},
	},
	{
		product: product{
			Name:        "Graphlytics",
			Category:    "analytics",
			Description: "Self-serve product analytics on your warehouse",
			URL:         "https://graphlytics.example.com",
			Pricing:     "paid",
			Audience:    "data-informed product teams",
			Score:       8.4,
			Features:    []string{"reporting dashboard", "funnels", "cohorts", "api access", "alerts"},
		},
		Complaints: []string{
			"query builder confuses non-analysts",
			"alerts fire late",
		},
	},
}

func complaintsFor(name string) []string {
	for _, p := range catalog {
		if p.Name == name {
			return p.Complaints
		}
	}
	return nil
}
