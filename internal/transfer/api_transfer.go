package transfer

type CreateClientRequest struct {
	ID       string         `json:"id" validate:"omitempty,max=64,excludesall=/ "`
	Name     string         `json:"name" validate:"required,max=200"`
	Website  string         `json:"website" validate:"omitempty,url"`
	Industry string         `json:"industry" validate:"max=100"`
	City     string         `json:"city" validate:"max=100"`
	Attrs    map[string]any `json:"attributes"`
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type RegenerateRequest struct {
	Instruction string `json:"instruction" validate:"max=1000"`
}

type SelectAccountRequest struct {
	AccountID string `json:"account_id" validate:"required"`
}

type OnboardRequest struct {
	URL string `json:"url" validate:"required,url"`
}

type OnboardResponse struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Status string `json:"status,omitempty"`
}

// DispatchResponse mirrors service.DispatchResult for the API.
type DispatchResponse struct {
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	Gate      string `json:"gate,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	RetryAt   string `json:"retry_at,omitempty"`
	PostID    int64  `json:"post_id,omitempty"`
	External  string `json:"external_id,omitempty"`
}
