package sdk

import "time"

// Connection is one platform integration as the API reports it.
type Connection struct {
	ID               string     `json:"id"`
	OrganizationID   string     `json:"organizationId"`
	Platform         string     `json:"platform"`
	DisplayName      string     `json:"displayName"`
	Status           string     `json:"status"`
	LastSyncAt       *time.Time `json:"lastSyncAt,omitempty"`
	LastErrorMessage string     `json:"lastErrorMessage,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// ConnectResult is the response to a connection request. For OAuth
// platforms Connection starts pending and AuthorizationURL must be opened
// by the installing user; for API-key platforms the connection comes back
// active and the URL fields are empty.
type ConnectResult struct {
	Connection       Connection `json:"connection"`
	AuthorizationURL string     `json:"authorizationUrl,omitempty"`
	State            string     `json:"state,omitempty"`
	ExpiresAt        int64      `json:"expiresAt,omitempty"`
}

// ConnectRequest starts a new platform connection.
type ConnectRequest struct {
	Platform     string `json:"platform"`
	DisplayName  string `json:"displayName,omitempty"`
	RedirectURI  string `json:"redirectUri,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	CadenceHours int    `json:"cadenceHours,omitempty"`
}

// DisconnectResult reports a connection teardown.
type DisconnectResult struct {
	Disconnected        bool `json:"disconnected"`
	AutomationsRetained int  `json:"automationsRetained"`
}

// DiscoveryRun is the acknowledgement for a manually triggered run.
type DiscoveryRun struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// Automation is one discovered automation.
type Automation struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Type        string                 `json:"automationType"`
	Status      string                 `json:"status"`
	Detection   map[string]interface{} `json:"detectionMetadata,omitempty"`
	FirstSeenAt time.Time              `json:"firstSeenAt"`
	LastSeenAt  time.Time              `json:"lastSeenAt"`
}

// RiskAssessment is the scored output of the risk engine.
type RiskAssessment struct {
	ID          string    `json:"id"`
	OverallRisk string    `json:"overallRisk"`
	RiskScore   float64   `json:"riskScore"`
	AssessedAt  time.Time `json:"assessedAt"`
}

// AutomationDetail pairs an automation with its latest assessment, when
// one exists.
type AutomationDetail struct {
	Automation     Automation      `json:"automation"`
	RiskAssessment *RiskAssessment `json:"riskAssessment,omitempty"`
}

// AutomationPage is one page of the automation inventory.
type AutomationPage struct {
	Automations []AutomationDetail `json:"automations"`
	Total       int                `json:"total"`
	Limit       int                `json:"limit"`
	Offset      int                `json:"offset"`
}

// ListAutomationsOptions narrows an inventory listing. Zero values mean
// "no filter"; Limit 0 uses the server default page size.
type ListAutomationsOptions struct {
	Platform        string
	RiskLevel       string
	Search          string
	ConnectionID    string
	Type            string
	IncludeInactive bool
	Limit           int
	Offset          int
}

// FeedbackRequest submits an analyst verdict on a detection.
type FeedbackRequest struct {
	AutomationID         string                 `json:"automationId"`
	Type                 string                 `json:"feedbackType"`
	UserID               string                 `json:"userId,omitempty"`
	UserEmail            string                 `json:"userEmail,omitempty"`
	Comment              string                 `json:"comment,omitempty"`
	SuggestedCorrections map[string]interface{} `json:"suggestedCorrections,omitempty"`
}

// Feedback is a stored analyst verdict.
type Feedback struct {
	ID           string    `json:"id"`
	AutomationID string    `json:"automationId"`
	Type         string    `json:"feedbackType"`
	Sentiment    string    `json:"sentiment,omitempty"`
	Comment      string    `json:"comment,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TrainingBatch is the export feed the detection tuner consumes.
type TrainingBatch struct {
	Feedback    []Feedback `json:"feedback"`
	Count       int        `json:"count"`
	GeneratedAt time.Time  `json:"generatedAt"`
}

// Event is one realtime message from the event stream.
type Event struct {
	ID             string                 `json:"id"`
	Kind           string                 `json:"kind"`
	OrganizationID string                 `json:"organizationId"`
	ConnectionID   string                 `json:"connectionId,omitempty"`
	At             time.Time              `json:"at"`
	Data           map[string]interface{} `json:"data"`
}

// APIError is the structured error body the API returns on every failure.
type APIError struct {
	Code        string       `json:"code"`
	Title       string       `json:"error"`
	Message     string       `json:"message"`
	StatusCode  int          `json:"statusCode"`
	Severity    string       `json:"severity,omitempty"`
	FieldErrors []FieldError `json:"fieldErrors,omitempty"`
}

// FieldError pinpoints one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}
